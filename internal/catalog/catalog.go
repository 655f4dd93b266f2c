package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/pkg/types"
)

// Catalog is the persistence used by the reconciliation core.
type Catalog interface {
	// FindFormat resolves a business object format. Fails with a not-found
	// error when no format matches the key.
	FindFormat(ctx context.Context, key types.FormatKey) (*types.FormatDescriptor, error)

	// FindStorage resolves a storage by name. Fails with a not-found error
	// when the name is unknown.
	FindStorage(ctx context.Context, name string) (*types.StorageDescriptor, error)

	// FindLatest returns the record flagged as latest for the identity of key
	// (the data version of key is ignored), or nil if none exists.
	FindLatest(ctx context.Context, key types.DataKey) (*types.BusinessObjectData, error)

	// InTx runs fn in a single database transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Tx) error) error

	// Close closes the catalog database connections.
	Close() error
}

// Tx is the write side of the catalog, valid only inside InTx.
type Tx interface {
	// ClearLatest clears the latest flag of a persisted record.
	ClearLatest(ctx context.Context, record *types.BusinessObjectData) error

	// SaveAndRefresh inserts a record with its storage units and returns it
	// with generated identifiers and timestamps filled in.
	SaveAndRefresh(ctx context.Context, record *types.BusinessObjectData) (*types.BusinessObjectData, error)
}

// SQLCatalog implements Catalog on database/sql.
type SQLCatalog struct {
	db      *sql.DB // Write connection
	readDB  *sql.DB // Read connection pool
	dialect Dialect
	mu      sync.Mutex // Serializes write transactions
	now     func() time.Time
}

var _ Catalog = (*SQLCatalog)(nil)

// Open opens a catalog with the given driver and DSN and creates the schema
// if needed. For sqlite3 the DSN is a file path.
func Open(driver, dsn string) (*SQLCatalog, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	var db, readDB *sql.DB
	switch dialect.Driver {
	case SQLite.Driver:
		// Write connection: single writer with WAL mode
		db, err = sql.Open(dialect.Driver, sqliteDSN(dsn, "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1"))
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		// Read connection pool: concurrent readers see committed WAL snapshots
		readDB, err = sql.Open(dialect.Driver, sqliteDSN(dsn, "_journal_mode=WAL&_busy_timeout=5000"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(5 * time.Minute)
	default:
		db, err = sql.Open(dialect.Driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to open database: %w", err)
		}
		readDB = db
	}

	c := &SQLCatalog{
		db:      db,
		readDB:  readDB,
		dialect: dialect,
		now:     time.Now,
	}

	if err := c.initSchema(); err != nil {
		c.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	log.Debug().Str("driver", dialect.Driver).Msg("catalog opened")
	return c, nil
}

// sqliteDSN appends connection parameters to a file path or URI DSN that
// may already carry a query string.
func sqliteDSN(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// initSchema creates all required tables and indexes.
func (c *SQLCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range c.dialect.Schema() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Dialect returns the SQL dialect of the catalog.
func (c *SQLCatalog) Dialect() Dialect {
	return c.dialect
}

// FindFormat resolves a business object format.
func (c *SQLCatalog) FindFormat(ctx context.Context, key types.FormatKey) (*types.FormatDescriptor, error) {
	query := c.dialect.Rebind(`
		SELECT id, namespace, definition_name, usage, file_type, version,
		       data_provider, partition_key, sub_partition_keys
		FROM business_object_formats
		WHERE namespace = ? AND definition_name = ? AND usage = ? AND file_type = ? AND version = ?`)

	format, err := scanFormat(c.readDB.QueryRowContext(ctx, query,
		key.Namespace, key.DefinitionName, key.Usage, key.FileType, key.Version))
	if err == sql.ErrNoRows {
		return nil, dmerrors.NewNotFoundError(dmerrors.CodeFormatNotFound, fmt.Sprintf(
			"Business object format with namespace %q, business object definition name %q, format usage %q, format file type %q, and format version \"%d\" doesn't exist.",
			key.Namespace, key.DefinitionName, key.Usage, key.FileType, key.Version))
	}
	if err != nil {
		return nil, c.readError("find format", err)
	}
	return format, nil
}

func scanFormat(row *sql.Row) (*types.FormatDescriptor, error) {
	var f types.FormatDescriptor
	var subKeys string
	err := row.Scan(&f.ID, &f.Key.Namespace, &f.Key.DefinitionName, &f.Key.Usage, &f.Key.FileType,
		&f.Key.Version, &f.DataProvider, &f.PartitionKey, &subKeys)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subKeys), &f.SubPartitionKeys); err != nil {
		return nil, fmt.Errorf("failed to decode sub-partition keys of format %d: %w", f.ID, err)
	}
	return &f, nil
}

// FindStorage resolves a storage by name.
func (c *SQLCatalog) FindStorage(ctx context.Context, name string) (*types.StorageDescriptor, error) {
	var s types.StorageDescriptor
	var platform, attrs string
	err := c.readDB.QueryRowContext(ctx,
		c.dialect.Rebind("SELECT name, platform, attributes FROM storages WHERE name = ?"),
		name,
	).Scan(&s.Name, &platform, &attrs)
	if err == sql.ErrNoRows {
		return nil, dmerrors.NewNotFoundError(dmerrors.CodeStorageNotFound,
			fmt.Sprintf("Storage with name %q doesn't exist.", name))
	}
	if err != nil {
		return nil, c.readError("find storage", err)
	}
	s.Platform = types.StoragePlatform(platform)
	if err := json.Unmarshal([]byte(attrs), &s.Attributes); err != nil {
		return nil, c.readError("decode storage attributes", err)
	}
	return &s, nil
}

// dataSelectSQL selects a data record joined with its format.
const dataSelectSQL = `
	SELECT d.id, d.partition_value, d.partition_value2, d.partition_value3,
	       d.partition_value4, d.partition_value5, d.version, d.status,
	       d.latest_version, d.created_at,
	       f.id, f.namespace, f.definition_name, f.usage, f.file_type, f.version,
	       f.data_provider, f.partition_key, f.sub_partition_keys
	FROM business_object_data d
	JOIN business_object_formats f ON f.id = d.format_id`

// identityWhereSQL matches the identity of a data key.
const identityWhereSQL = `
	WHERE f.namespace = ? AND f.definition_name = ? AND f.usage = ? AND f.file_type = ? AND f.version = ?
	  AND d.partition_value = ?
	  AND COALESCE(d.partition_value2, '') = ? AND COALESCE(d.partition_value3, '') = ?
	  AND COALESCE(d.partition_value4, '') = ? AND COALESCE(d.partition_value5, '') = ?`

func identityArgs(key types.DataKey) []interface{} {
	slots := subPartitionSlots(key.SubPartitionValues)
	return []interface{}{
		key.Namespace, key.DefinitionName, key.FormatUsage, key.FormatFileType, key.FormatVersion,
		key.PartitionValue,
		stringOrEmpty(slots[0]), stringOrEmpty(slots[1]), stringOrEmpty(slots[2]), stringOrEmpty(slots[3]),
	}
}

// FindLatest returns the latest record for the identity of key, or nil.
func (c *SQLCatalog) FindLatest(ctx context.Context, key types.DataKey) (*types.BusinessObjectData, error) {
	records, err := c.queryData(ctx, dataSelectSQL+identityWhereSQL+" AND d.latest_version = 1", identityArgs(key)...)
	if err != nil {
		return nil, c.readError("find latest data", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// ListData returns every version registered for the identity of key, in
// ascending version order.
func (c *SQLCatalog) ListData(ctx context.Context, key types.DataKey) ([]*types.BusinessObjectData, error) {
	records, err := c.queryData(ctx, dataSelectSQL+identityWhereSQL+" ORDER BY d.version", identityArgs(key)...)
	if err != nil {
		return nil, c.readError("list data", err)
	}
	return records, nil
}

// GetData retrieves a single record by id.
func (c *SQLCatalog) GetData(ctx context.Context, id int64) (*types.BusinessObjectData, error) {
	records, err := c.queryData(ctx, dataSelectSQL+" WHERE d.id = ?", id)
	if err != nil {
		return nil, c.readError("get data", err)
	}
	if len(records) == 0 {
		return nil, dmerrors.NewNotFoundError(dmerrors.CodeDataNotFound,
			fmt.Sprintf("Business object data with id \"%d\" doesn't exist.", id))
	}
	return records[0], nil
}

func (c *SQLCatalog) queryData(ctx context.Context, query string, args ...interface{}) ([]*types.BusinessObjectData, error) {
	rows, err := c.readDB.QueryContext(ctx, c.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*types.BusinessObjectData
	for rows.Next() {
		rec, err := scanData(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		units, err := c.storageUnits(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		rec.StorageUnits = units
	}
	return records, nil
}

func scanData(rows *sql.Rows) (*types.BusinessObjectData, error) {
	var rec types.BusinessObjectData
	var slots [types.MaxSubPartitions]sql.NullString
	var status, subKeys string
	var latest int
	var createdAt int64
	f := &rec.Format

	err := rows.Scan(&rec.ID, &rec.PartitionValue, &slots[0], &slots[1], &slots[2], &slots[3],
		&rec.Version, &status, &latest, &createdAt,
		&f.ID, &f.Key.Namespace, &f.Key.DefinitionName, &f.Key.Usage, &f.Key.FileType, &f.Key.Version,
		&f.DataProvider, &f.PartitionKey, &subKeys)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subKeys), &f.SubPartitionKeys); err != nil {
		return nil, fmt.Errorf("failed to decode sub-partition keys of format %d: %w", f.ID, err)
	}

	for _, s := range slots {
		if !s.Valid {
			break
		}
		rec.SubPartitionValues = append(rec.SubPartitionValues, s.String)
	}
	if rec.Status, err = types.ParseDataStatus(status); err != nil {
		return nil, fmt.Errorf("business object data %d: %w", rec.ID, err)
	}
	rec.LatestVersion = latest == 1
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}

func (c *SQLCatalog) storageUnits(ctx context.Context, dataID int64) ([]types.StorageUnit, error) {
	rows, err := c.readDB.QueryContext(ctx, c.dialect.Rebind(`
		SELECT u.id, u.data_id, u.directory_path, s.name, s.platform, s.attributes
		FROM storage_units u
		JOIN storages s ON s.name = u.storage_name
		WHERE u.data_id = ?
		ORDER BY u.id`), dataID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []types.StorageUnit
	for rows.Next() {
		var u types.StorageUnit
		var platform, attrs string
		if err := rows.Scan(&u.ID, &u.DataID, &u.DirectoryPath, &u.Storage.Name, &platform, &attrs); err != nil {
			return nil, err
		}
		u.Storage.Platform = types.StoragePlatform(platform)
		if err := json.Unmarshal([]byte(attrs), &u.Storage.Attributes); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// RegisterFormat adds a business object format and fills in its id.
func (c *SQLCatalog) RegisterFormat(ctx context.Context, format *types.FormatDescriptor) error {
	subKeys, err := json.Marshal(nonNil(format.SubPartitionKeys))
	if err != nil {
		return fmt.Errorf("catalog: failed to encode sub-partition keys: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := format.Key
	err = c.db.QueryRowContext(ctx, c.dialect.Rebind(`
		INSERT INTO business_object_formats (
			namespace, definition_name, usage, file_type, version,
			data_provider, partition_key, sub_partition_keys, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		k.Namespace, k.DefinitionName, k.Usage, k.FileType, k.Version,
		format.DataProvider, format.PartitionKey, string(subKeys), c.now().Unix(),
	).Scan(&format.ID)
	if err != nil {
		return c.writeError("insert format", err)
	}
	return nil
}

// RegisterStorage adds a storage.
func (c *SQLCatalog) RegisterStorage(ctx context.Context, storage types.StorageDescriptor) error {
	attrs := storage.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("catalog: failed to encode storage attributes: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx,
		c.dialect.Rebind("INSERT INTO storages (name, platform, attributes, created_at) VALUES (?, ?, ?, ?)"),
		storage.Name, string(storage.Platform), string(encoded), c.now().Unix(),
	)
	if err != nil {
		return c.writeError("insert storage", err)
	}
	return nil
}

// InTx runs fn inside a single write transaction.
func (c *SQLCatalog) InTx(ctx context.Context, fn func(Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return c.writeError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, catalog: c}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return c.writeError("commit transaction", err)
	}
	return nil
}

// Ping checks that the catalog database is reachable.
func (c *SQLCatalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the catalog database connections.
func (c *SQLCatalog) Close() error {
	var errs []string
	if c.readDB != nil && c.readDB != c.db {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: close: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *SQLCatalog) readError(op string, err error) error {
	return dmerrors.NewPersistenceError(dmerrors.CodeUnexpected, "catalog: failed to "+op, err)
}

func (c *SQLCatalog) writeError(op string, err error) error {
	if c.dialect.isUniqueViolation(err) {
		return dmerrors.NewPersistenceError(dmerrors.CodeWriteConflict, "catalog: conflicting write on "+op, err)
	}
	return dmerrors.NewPersistenceError(dmerrors.CodeWriteFailed, "catalog: failed to "+op, err)
}

// subPartitionSlots maps sub-partition values onto partition_value2..5.
func subPartitionSlots(values []string) [types.MaxSubPartitions]*string {
	var slots [types.MaxSubPartitions]*string
	for i := 0; i < len(values) && i < types.MaxSubPartitions; i++ {
		v := values[i]
		slots[i] = &v
	}
	return slots
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
