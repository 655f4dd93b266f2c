package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/internal/keyprefix"
	"github.com/dmcatalog/dmcat/internal/metrics"
	"github.com/dmcatalog/dmcat/internal/storage"
	"github.com/dmcatalog/dmcat/pkg/types"
)

// Scanner finds the contiguous run of data versions above a baseline that
// have objects in storage.
type Scanner struct {
	keys      *keyprefix.Builder
	maxProbes int
	metrics   *metrics.ReconcileMetrics
}

// NewScanner creates a scanner. maxProbes bounds the number of versions one
// scan may find; the listing that confirms the end of the run is not counted.
// Zero means unbounded.
func NewScanner(maxProbes int, m *metrics.ReconcileMetrics) *Scanner {
	return &Scanner{
		keys:      keyprefix.NewBuilder(),
		maxProbes: maxProbes,
		metrics:   m,
	}
}

// Scan probes versions baseline+1, baseline+2, ... and stops at the first
// version whose prefix lists no objects. The returned keys are in ascending,
// contiguous version order. Probes run strictly one at a time.
func (s *Scanner) Scan(ctx context.Context, lister storage.Lister, format types.FormatDescriptor, base types.DataKey, baseline int) ([]types.DataKey, error) {
	var found []types.DataKey

	for offset := 1; ; offset++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		key := base.WithVersion(baseline + offset)
		prefix, err := s.keys.Build(format, key)
		if err != nil {
			return nil, err
		}

		objects, err := lister.ListObjects(ctx, prefix+"/")
		s.metrics.ObserveProbe(len(objects) > 0, err)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, cancelled(err)
			}
			return nil, dmerrors.NewStorageError(dmerrors.CodeListFailed,
				fmt.Sprintf("Failed to list keys with prefix %q.", prefix+"/"), err)
		}

		log.Debug().Str("prefix", prefix).Int("version", key.Version()).Int("objects", len(objects)).
			Msg("probed storage")

		if len(objects) == 0 {
			return found, nil
		}
		found = append(found, key)
		if s.maxProbes > 0 && len(found) > s.maxProbes {
			return nil, dmerrors.NewInternalError(fmt.Sprintf(
				"storage probing found more than %d versions above version %d", s.maxProbes, baseline), nil)
		}
	}
}

func cancelled(err error) error {
	return dmerrors.Wrap(dmerrors.ErrCategoryInternal, dmerrors.CodeCancelled,
		"request cancelled before registration", err)
}
