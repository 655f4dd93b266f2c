// Package catalog provides the metadata catalog that records business object
// formats, storages, and the versioned business object data registered in them.
package catalog

import "fmt"

// The catalog is a relational database (SQLite by default, PostgreSQL in
// shared deployments). DDL is written once with an %[1]s placeholder for the
// surrogate key column type of the dialect.

// CreateFormatsTableSQL creates the business object formats table.
const CreateFormatsTableSQL = `
CREATE TABLE IF NOT EXISTS business_object_formats (
    id %[1]s,
    namespace TEXT NOT NULL,
    definition_name TEXT NOT NULL,
    usage TEXT NOT NULL,
    file_type TEXT NOT NULL,
    version INTEGER NOT NULL,
    data_provider TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    sub_partition_keys TEXT NOT NULL DEFAULT '[]',
    created_at BIGINT NOT NULL,
    UNIQUE (namespace, definition_name, usage, file_type, version)
)`

// CreateStoragesTableSQL creates the storages table. Attributes are a JSON
// object of platform specific settings such as the bucket name.
const CreateStoragesTableSQL = `
CREATE TABLE IF NOT EXISTS storages (
    name TEXT PRIMARY KEY,
    platform TEXT NOT NULL,
    attributes TEXT NOT NULL DEFAULT '{}',
    created_at BIGINT NOT NULL
)`

// CreateDataTableSQL creates the business object data table.
// Sub-partition values occupy partition_value2..5 positionally; unused slots are NULL.
const CreateDataTableSQL = `
CREATE TABLE IF NOT EXISTS business_object_data (
    id %[1]s,
    format_id BIGINT NOT NULL REFERENCES business_object_formats(id),
    partition_value TEXT NOT NULL,
    partition_value2 TEXT,
    partition_value3 TEXT,
    partition_value4 TEXT,
    partition_value5 TEXT,
    version INTEGER NOT NULL,
    status TEXT NOT NULL,
    latest_version INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL
)`

// CreateStorageUnitsTableSQL creates the storage units table.
const CreateStorageUnitsTableSQL = `
CREATE TABLE IF NOT EXISTS storage_units (
    id %[1]s,
    data_id BIGINT NOT NULL REFERENCES business_object_data(id),
    storage_name TEXT NOT NULL REFERENCES storages(name),
    directory_path TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`

// CreateDataIndexesSQL creates the identity indexes on business object data.
var CreateDataIndexesSQL = []string{
	// One record per identity and version
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_data_identity_version ON business_object_data(
		format_id, partition_value,
		COALESCE(partition_value2, ''), COALESCE(partition_value3, ''),
		COALESCE(partition_value4, ''), COALESCE(partition_value5, ''),
		version)`,

	// At most one latest record per identity
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_data_identity_latest ON business_object_data(
		format_id, partition_value,
		COALESCE(partition_value2, ''), COALESCE(partition_value3, ''),
		COALESCE(partition_value4, ''), COALESCE(partition_value5, ''))
		WHERE latest_version = 1`,

	`CREATE INDEX IF NOT EXISTS idx_storage_units_data ON storage_units(data_id)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog
// for the given surrogate key column type.
func AllSchemaSQL(idColumn string) []string {
	statements := []string{
		fmt.Sprintf(CreateFormatsTableSQL, idColumn),
		CreateStoragesTableSQL,
		fmt.Sprintf(CreateDataTableSQL, idColumn),
		fmt.Sprintf(CreateStorageUnitsTableSQL, idColumn),
	}
	statements = append(statements, CreateDataIndexesSQL...)
	return statements
}
