package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/pkg/types"
)

// sqlTx implements Tx on a database transaction.
type sqlTx struct {
	tx      *sql.Tx
	catalog *SQLCatalog
}

// ClearLatest clears the latest flag of a persisted record. Fails with a
// write conflict when the record is no longer the latest one, which means a
// concurrent writer already superseded it.
func (t *sqlTx) ClearLatest(ctx context.Context, record *types.BusinessObjectData) error {
	res, err := t.tx.ExecContext(ctx,
		t.catalog.dialect.Rebind("UPDATE business_object_data SET latest_version = 0 WHERE id = ? AND latest_version = 1"),
		record.ID,
	)
	if err != nil {
		return t.catalog.writeError("clear latest flag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.catalog.writeError("clear latest flag", err)
	}
	if n != 1 {
		return dmerrors.NewPersistenceError(dmerrors.CodeWriteConflict,
			fmt.Sprintf("catalog: business object data %d is no longer the latest version", record.ID), nil)
	}
	return nil
}

// SaveAndRefresh inserts the record and its storage units in the transaction.
func (t *sqlTx) SaveAndRefresh(ctx context.Context, record *types.BusinessObjectData) (*types.BusinessObjectData, error) {
	if record.Format.ID == 0 {
		return nil, dmerrors.NewInternalError("catalog: record has no resolved format", nil)
	}
	if len(record.SubPartitionValues) > types.MaxSubPartitions {
		return nil, dmerrors.NewInternalError(
			fmt.Sprintf("catalog: record has %d sub-partition values, at most %d are supported",
				len(record.SubPartitionValues), types.MaxSubPartitions), nil)
	}

	c := t.catalog
	saved := *record
	saved.SubPartitionValues = append([]string(nil), record.SubPartitionValues...)
	saved.CreatedAt = c.now().UTC().Truncate(time.Second)

	latest := 0
	if saved.LatestVersion {
		latest = 1
	}
	slots := subPartitionSlots(saved.SubPartitionValues)

	err := t.tx.QueryRowContext(ctx, c.dialect.Rebind(`
		INSERT INTO business_object_data (
			format_id, partition_value,
			partition_value2, partition_value3, partition_value4, partition_value5,
			version, status, latest_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		saved.Format.ID, saved.PartitionValue,
		slots[0], slots[1], slots[2], slots[3],
		saved.Version, string(saved.Status), latest, saved.CreatedAt.Unix(),
	).Scan(&saved.ID)
	if err != nil {
		return nil, c.writeError("insert business object data", err)
	}

	saved.StorageUnits = make([]types.StorageUnit, 0, len(record.StorageUnits))
	for _, unit := range record.StorageUnits {
		unit.DataID = saved.ID
		err := t.tx.QueryRowContext(ctx, c.dialect.Rebind(`
			INSERT INTO storage_units (data_id, storage_name, directory_path, created_at)
			VALUES (?, ?, ?, ?)
			RETURNING id`),
			unit.DataID, unit.Storage.Name, unit.DirectoryPath, saved.CreatedAt.Unix(),
		).Scan(&unit.ID)
		if err != nil {
			return nil, c.writeError("insert storage unit", err)
		}
		saved.StorageUnits = append(saved.StorageUnits, unit)
	}

	return &saved, nil
}
