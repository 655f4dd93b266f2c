package reconcile

import (
	"context"

	"github.com/dmcatalog/dmcat/internal/catalog"
	"github.com/dmcatalog/dmcat/internal/keyprefix"
	"github.com/dmcatalog/dmcat/pkg/types"
)

// Registrar records unregistered data versions as INVALID catalog records.
type Registrar struct {
	catalog catalog.Catalog
	keys    *keyprefix.Builder
}

// NewRegistrar creates a registrar writing to cat.
func NewRegistrar(cat catalog.Catalog) *Registrar {
	return &Registrar{
		catalog: cat,
		keys:    keyprefix.NewBuilder(),
	}
}

// Register creates one INVALID record per key in a single transaction. The
// previous latest record, if any, is superseded and only the last (highest)
// new record is flagged latest. An empty key list writes nothing.
//
// Once started the transaction is not cancelled by ctx.
func (r *Registrar) Register(ctx context.Context, previous *types.BusinessObjectData, format types.FormatDescriptor, keys []types.DataKey, storage types.StorageDescriptor) ([]*types.BusinessObjectData, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	records := make([]*types.BusinessObjectData, 0, len(keys))
	for i, key := range keys {
		prefix, err := r.keys.Build(format, key)
		if err != nil {
			return nil, err
		}
		records = append(records, &types.BusinessObjectData{
			Format:             format,
			PartitionValue:     key.PartitionValue,
			SubPartitionValues: key.SubPartitionValues,
			Version:            key.Version(),
			Status:             types.StatusInvalid,
			LatestVersion:      i == len(keys)-1,
			StorageUnits: []types.StorageUnit{{
				Storage:       storage,
				DirectoryPath: prefix,
			}},
		})
	}

	txCtx := context.WithoutCancel(ctx)
	created := make([]*types.BusinessObjectData, 0, len(records))
	err := r.catalog.InTx(txCtx, func(tx catalog.Tx) error {
		created = created[:0]
		if previous != nil {
			if err := tx.ClearLatest(txCtx, previous); err != nil {
				return err
			}
		}
		for _, rec := range records {
			saved, err := tx.SaveAndRefresh(txCtx, rec)
			if err != nil {
				return err
			}
			created = append(created, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
