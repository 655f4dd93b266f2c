package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dmcatalog/dmcat/internal/catalog"
	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/internal/keyprefix"
	"github.com/dmcatalog/dmcat/internal/metrics"
	"github.com/dmcatalog/dmcat/internal/notify"
	"github.com/dmcatalog/dmcat/internal/storage"
	"github.com/dmcatalog/dmcat/pkg/types"
)

// Service invalidates unregistered business object data.
type Service struct {
	catalog   catalog.Catalog
	resolver  storage.Resolver
	notifier  notify.Notifier
	locks     *IdentityLocks
	metrics   *metrics.ReconcileMetrics
	maxProbes int
	timeout   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the status change sink. The default discards events.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics sets the metrics to record into.
func WithMetrics(m *metrics.ReconcileMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxProbes bounds the versions one request may find in storage. Zero is unbounded.
func WithMaxProbes(n int) Option {
	return func(s *Service) { s.maxProbes = n }
}

// WithTimeout bounds the work done before registration starts.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService creates a reconciliation service.
func NewService(cat catalog.Catalog, resolver storage.Resolver, opts ...Option) *Service {
	s := &Service{
		catalog:  cat,
		resolver: resolver,
		notifier: notify.Nop{},
		locks:    NewIdentityLocks(DefaultLockStripes),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InvalidateUnregistered registers, as INVALID, every data version present in
// storage above the latest registered version of the requested identity. The
// probe stops at the first version with no objects. A request that finds
// nothing returns an empty list and leaves the catalog untouched.
func (s *Service) InvalidateUnregistered(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	registered := 0
	defer func() {
		s.metrics.ObserveRequest(registered, err, time.Since(start))
	}()

	if err := req.Normalize(); err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	format, err := s.catalog.FindFormat(ctx, req.FormatKey())
	if err != nil {
		return nil, err
	}

	store, err := s.resolveStorage(ctx, req.StorageName)
	if err != nil {
		return nil, err
	}

	if err := keyprefix.ValidateSubPartitions(*format, len(req.SubPartitionValues)); err != nil {
		return nil, err
	}

	lister, err := s.resolver.ListerFor(ctx, *store)
	if err != nil {
		if errors.Is(err, storage.ErrBucketRequired) {
			return nil, dmerrors.Wrap(dmerrors.ErrCategoryPrecondition, dmerrors.CodeInvalidValue,
				fmt.Sprintf("The specified storage '%s' has no bucket name.", store.Name), err)
		}
		return nil, dmerrors.NewStorageError(dmerrors.CodeListFailed,
			fmt.Sprintf("Failed to access storage '%s'.", store.Name), err)
	}

	key := req.DataKey()
	unlock, err := s.locks.Lock(ctx, key.Identity())
	if err != nil {
		return nil, cancelled(err)
	}
	defer unlock()

	latest, err := s.catalog.FindLatest(ctx, key)
	if err != nil {
		return nil, err
	}
	baseline := -1
	if latest != nil {
		baseline = latest.Version
	}

	keys, err := NewScanner(s.maxProbes, s.metrics).Scan(ctx, lister, *format, key, baseline)
	if err != nil {
		return nil, err
	}

	// Last point at which cancellation is honored.
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	created, err := NewRegistrar(s.catalog).Register(ctx, latest, *format, keys, *store)
	if err != nil {
		return nil, err
	}
	registered = len(created)

	s.notify(context.WithoutCancel(ctx), created)

	log.Info().Str("identity", key.Identity()).Str("storage", store.Name).
		Int("baseline", baseline).Int("registered", registered).
		Msg("invalidated unregistered business object data")

	return newResponse(&req, created), nil
}

// resolveStorage looks up the storage and requires an S3 platform.
func (s *Service) resolveStorage(ctx context.Context, name string) (*types.StorageDescriptor, error) {
	store, err := s.catalog.FindStorage(ctx, name)
	if err != nil {
		return nil, err
	}
	if store.Platform != types.PlatformS3 {
		return nil, dmerrors.NewPreconditionError(dmerrors.CodeUnsupportedPlatform,
			fmt.Sprintf("The specified storage '%s' is not a S3 storage platform.", store.Name))
	}
	return store, nil
}

func (s *Service) notify(ctx context.Context, created []*types.BusinessObjectData) {
	for _, rec := range created {
		key := rec.Key()
		if err := s.notifier.NotifyStatusChange(ctx, key, types.StatusInvalid, ""); err != nil {
			log.Warn().Err(err).Str("identity", key.Identity()).Int("version", key.Version()).
				Msg("failed to send status change notification")
		}
	}
}
