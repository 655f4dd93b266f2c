package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcatalog/dmcat/internal/catalog"
	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/internal/keyprefix"
	"github.com/dmcatalog/dmcat/internal/metrics"
	"github.com/dmcatalog/dmcat/internal/notify"
	"github.com/dmcatalog/dmcat/internal/storage"
	"github.com/dmcatalog/dmcat/pkg/types"
)

type reconciliationEnv struct {
	svc     *Service
	cat     *catalog.SQLCatalog
	bucket  *storage.LocalStorage
	format  *types.FormatDescriptor
	storage types.StorageDescriptor
	events  *notify.Subscriber
	metrics *metrics.ReconcileMetrics
}

func setupReconciliationTest(t *testing.T, opts ...Option) *reconciliationEnv {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open("sqlite3", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	format := &types.FormatDescriptor{
		Key: types.FormatKey{
			Namespace: "UT_NAMESPACE", DefinitionName: "UT_DEFINITION", Usage: "PRC", FileType: "GZ", Version: 0,
		},
		DataProvider:     "UT_PROVIDER",
		PartitionKey:     "PROCESS_DATE",
		SubPartitionKeys: []string{"REGION", "DESK"},
	}
	require.NoError(t, cat.RegisterFormat(ctx, format))

	s3 := types.StorageDescriptor{
		Name:       "S3_MANAGED",
		Platform:   types.PlatformS3,
		Attributes: map[string]string{types.AttrBucketName: "ut-bucket"},
	}
	require.NoError(t, cat.RegisterStorage(ctx, s3))
	require.NoError(t, cat.RegisterStorage(ctx, types.StorageDescriptor{Name: "GLACIER_ARCHIVE", Platform: types.PlatformGlacier}))

	resolver := storage.NewLocalResolver(t.TempDir())
	bucket, err := resolver.Bucket(s3)
	require.NoError(t, err)

	bus := notify.NewBus(64)
	m := metrics.New(prometheus.NewRegistry())
	opts = append([]Option{WithNotifier(bus), WithMetrics(m)}, opts...)

	return &reconciliationEnv{
		svc:     NewService(cat, resolver, opts...),
		cat:     cat,
		bucket:  bucket,
		format:  format,
		storage: s3,
		events:  bus.Subscribe("test"),
		metrics: m,
	}
}

func intPtr(v int) *int { return &v }

func (e *reconciliationEnv) request(subs ...string) Request {
	return Request{
		Namespace:                    "UT_NAMESPACE",
		BusinessObjectDefinitionName: "UT_DEFINITION",
		BusinessObjectFormatUsage:    "PRC",
		BusinessObjectFormatFileType: "GZ",
		BusinessObjectFormatVersion:  intPtr(0),
		PartitionValue:               "2015-01-01",
		SubPartitionValues:           subs,
		StorageName:                  "S3_MANAGED",
	}
}

func (e *reconciliationEnv) key(subs ...string) types.DataKey {
	r := e.request(subs...)
	return r.DataKey()
}

func (e *reconciliationEnv) prefix(t *testing.T, version int, subs ...string) string {
	t.Helper()
	p, err := keyprefix.NewBuilder().Build(*e.format, e.key(subs...).WithVersion(version))
	require.NoError(t, err)
	return p
}

// createFakeObject stores one object under the prefix of a data version.
func (e *reconciliationEnv) createFakeObject(t *testing.T, version int, subs ...string) {
	t.Helper()
	path := e.prefix(t, version, subs...) + "/part-00000.gz"
	require.NoError(t, e.bucket.PutObject(context.Background(), path, []byte("data")))
}

// registerExisting records versions 0..latest as VALID, flagging the last one latest.
func (e *reconciliationEnv) registerExisting(t *testing.T, latest int, subs ...string) {
	t.Helper()
	ctx := context.Background()
	err := e.cat.InTx(ctx, func(tx catalog.Tx) error {
		for v := 0; v <= latest; v++ {
			_, err := tx.SaveAndRefresh(ctx, &types.BusinessObjectData{
				Format:             *e.format,
				PartitionValue:     "2015-01-01",
				SubPartitionValues: subs,
				Version:            v,
				Status:             types.StatusValid,
				LatestVersion:      v == latest,
				StorageUnits: []types.StorageUnit{{
					Storage: e.storage, DirectoryPath: e.prefix(t, v, subs...),
				}},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func (e *reconciliationEnv) listData(t *testing.T, subs ...string) []*types.BusinessObjectData {
	t.Helper()
	all, err := e.cat.ListData(context.Background(), e.key(subs...))
	require.NoError(t, err)
	return all
}

func (e *reconciliationEnv) drainEvents() []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-e.events.Ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestInvalidateUnregistered_FirstVersion(t *testing.T) {
	env := setupReconciliationTest(t)
	env.createFakeObject(t, 0)

	resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)

	require.Len(t, resp.RegisteredBusinessObjectDataList, 1)
	got := resp.RegisteredBusinessObjectDataList[0]
	assert.Equal(t, 0, got.Version)
	assert.Equal(t, types.StatusInvalid, got.Status)
	assert.True(t, got.LatestVersion)
	assert.Equal(t, "UT_NAMESPACE", got.Namespace)
	assert.Equal(t, "PROCESS_DATE", got.PartitionKey)
	require.Len(t, got.StorageUnits, 1)
	assert.Equal(t, "S3_MANAGED", got.StorageUnits[0].Storage.Name)
	assert.Equal(t, env.prefix(t, 0), got.StorageUnits[0].DirectoryPath)
	assert.NotZero(t, got.ID)

	all := env.listData(t)
	require.Len(t, all, 1)
	assert.True(t, all[0].LatestVersion)
	assert.Equal(t, types.StatusInvalid, all[0].Status)

	events := env.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, types.StatusInvalid, events[0].NewStatus)
	assert.Empty(t, events[0].OldStatus)
	assert.Equal(t, 0, events[0].Key.Version())
}

func TestInvalidateUnregistered_SupersedesPreviousLatest(t *testing.T) {
	env := setupReconciliationTest(t)
	env.registerExisting(t, 2)
	env.createFakeObject(t, 3)
	env.createFakeObject(t, 4)

	resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)
	require.Len(t, resp.RegisteredBusinessObjectDataList, 2)
	assert.Equal(t, 3, resp.RegisteredBusinessObjectDataList[0].Version)
	assert.False(t, resp.RegisteredBusinessObjectDataList[0].LatestVersion)
	assert.Equal(t, 4, resp.RegisteredBusinessObjectDataList[1].Version)
	assert.True(t, resp.RegisteredBusinessObjectDataList[1].LatestVersion)

	all := env.listData(t)
	require.Len(t, all, 5)
	latest := 0
	for _, d := range all {
		if d.LatestVersion {
			latest++
			assert.Equal(t, 4, d.Version)
		}
	}
	assert.Equal(t, 1, latest)
	assert.Equal(t, types.StatusValid, all[2].Status)
	assert.False(t, all[2].LatestVersion)

	assert.Len(t, env.drainEvents(), 2)
}

func TestInvalidateUnregistered_StopsAtFirstGap(t *testing.T) {
	env := setupReconciliationTest(t)
	env.registerExisting(t, 0)
	env.createFakeObject(t, 1)
	env.createFakeObject(t, 3)

	resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)
	require.Len(t, resp.RegisteredBusinessObjectDataList, 1)
	assert.Equal(t, 1, resp.RegisteredBusinessObjectDataList[0].Version)
	assert.Len(t, env.listData(t), 2)
}

func TestInvalidateUnregistered_NothingToRegister(t *testing.T) {
	env := setupReconciliationTest(t)
	env.registerExisting(t, 1)

	resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)
	require.NotNil(t, resp.RegisteredBusinessObjectDataList)
	assert.Empty(t, resp.RegisteredBusinessObjectDataList)

	all := env.listData(t)
	require.Len(t, all, 2)
	assert.True(t, all[1].LatestVersion, "previous latest stays latest when nothing is found")
	assert.Empty(t, env.drainEvents())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Requests.WithLabelValues(metrics.OutcomeNoop)))
}

func TestInvalidateUnregistered_Idempotent(t *testing.T) {
	env := setupReconciliationTest(t)
	env.createFakeObject(t, 0)
	env.createFakeObject(t, 1)

	first, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)
	assert.Len(t, first.RegisteredBusinessObjectDataList, 2)

	second, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)
	assert.Empty(t, second.RegisteredBusinessObjectDataList)
	assert.Len(t, env.listData(t), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.RegisteredRecords))
}

func TestInvalidateUnregistered_SubPartitions(t *testing.T) {
	env := setupReconciliationTest(t)
	env.createFakeObject(t, 0, "US", "D1")
	env.createFakeObject(t, 0, "EU")

	resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request("US", "D1"))
	require.NoError(t, err)
	require.Len(t, resp.RegisteredBusinessObjectDataList, 1)
	assert.Equal(t, []string{"US", "D1"}, resp.RegisteredBusinessObjectDataList[0].SubPartitionValues)
	assert.Equal(t, []string{"US", "D1"}, resp.SubPartitionValues)

	all := env.listData(t, "US", "D1")
	require.Len(t, all, 1)
	assert.Equal(t, []string{"US", "D1"}, all[0].SubPartitionValues)

	assert.Empty(t, env.listData(t, "EU"), "other identities are untouched")
	assert.Empty(t, env.listData(t))
}

func TestInvalidateUnregistered_TrimsRequest(t *testing.T) {
	env := setupReconciliationTest(t)
	env.createFakeObject(t, 0, "US")

	req := env.request(" US ")
	req.Namespace = "  UT_NAMESPACE "
	req.PartitionValue = "\t2015-01-01 "
	req.StorageName = " S3_MANAGED"

	resp, err := env.svc.InvalidateUnregistered(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "UT_NAMESPACE", resp.Namespace)
	assert.Equal(t, "2015-01-01", resp.PartitionValue)
	assert.Equal(t, "S3_MANAGED", resp.StorageName)
	assert.Equal(t, []string{"US"}, resp.SubPartitionValues)
	assert.Len(t, resp.RegisteredBusinessObjectDataList, 1)
}

func TestInvalidateUnregistered_Validation(t *testing.T) {
	env := setupReconciliationTest(t)
	lister := newFakeLister()
	env.svc.resolver = storage.StaticResolver{Lister: lister}

	tests := []struct {
		name    string
		mutate  func(r *Request)
		message string
	}{
		{"namespace", func(r *Request) { r.Namespace = " " }, "The namespace is required"},
		{"definition", func(r *Request) { r.BusinessObjectDefinitionName = "" }, "The business object definition name is required"},
		{"usage", func(r *Request) { r.BusinessObjectFormatUsage = "" }, "The business object format usage is required"},
		{"file type", func(r *Request) { r.BusinessObjectFormatFileType = "\t" }, "The business object format file type is required"},
		{"format version", func(r *Request) { r.BusinessObjectFormatVersion = nil }, "The business object format version is required"},
		{"negative format version", func(r *Request) { r.BusinessObjectFormatVersion = intPtr(-1) }, "The business object format version must be greater than or equal to 0"},
		{"partition value", func(r *Request) { r.PartitionValue = "" }, "The partition value is required"},
		{"blank sub-partition", func(r *Request) { r.SubPartitionValues = []string{"A", " "} }, "The sub-partition value [1] must not be blank"},
		{"storage", func(r *Request) { r.StorageName = "" }, "The storage name is required"},
		{"storage before sub-partition", func(r *Request) {
			r.StorageName = " "
			r.SubPartitionValues = []string{""}
		}, "The storage name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := env.request()
			tt.mutate(&req)

			_, err := env.svc.InvalidateUnregistered(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, dmerrors.ErrCategoryValidation, dmerrors.GetCategory(err))
			var ce *dmerrors.CatalogError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.message, ce.Message)
		})
	}
	assert.Zero(t, lister.callCount(), "validation failures never reach storage")
}

func TestInvalidateUnregistered_TooManySubPartitions(t *testing.T) {
	env := setupReconciliationTest(t)
	lister := newFakeLister()
	env.svc.resolver = storage.StaticResolver{Lister: lister}

	_, err := env.svc.InvalidateUnregistered(context.Background(), env.request("A", "B", "C"))
	require.Error(t, err)
	assert.Equal(t, dmerrors.ErrCategoryValidation, dmerrors.GetCategory(err))
	assert.Zero(t, lister.callCount())
}

func TestInvalidateUnregistered_NotFound(t *testing.T) {
	env := setupReconciliationTest(t)

	req := env.request()
	req.BusinessObjectFormatVersion = intPtr(9)
	_, err := env.svc.InvalidateUnregistered(context.Background(), req)
	assert.Equal(t, dmerrors.CodeFormatNotFound, dmerrors.GetCode(err))

	req = env.request()
	req.StorageName = "NOPE"
	_, err = env.svc.InvalidateUnregistered(context.Background(), req)
	assert.Equal(t, dmerrors.CodeStorageNotFound, dmerrors.GetCode(err))
}

func TestInvalidateUnregistered_NonS3StorageIsPrecondition(t *testing.T) {
	env := setupReconciliationTest(t)
	lister := newFakeLister()
	env.svc.resolver = storage.StaticResolver{Lister: lister}

	req := env.request()
	req.StorageName = "GLACIER_ARCHIVE"
	_, err := env.svc.InvalidateUnregistered(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, dmerrors.ErrCategoryPrecondition, dmerrors.GetCategory(err))
	var ce *dmerrors.CatalogError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "The specified storage 'GLACIER_ARCHIVE' is not a S3 storage platform.", ce.Message)
	assert.Zero(t, lister.callCount())
}

func TestInvalidateUnregistered_ListFailureLeavesCatalogUnchanged(t *testing.T) {
	env := setupReconciliationTest(t)
	env.registerExisting(t, 0)

	lister := newFakeLister()
	p1 := env.prefix(t, 1) + "/"
	lister.objects[p1] = []string{p1 + "x"}
	lister.errs[env.prefix(t, 2)+"/"] = errors.New("throttled")
	env.svc.resolver = storage.StaticResolver{Lister: lister}

	_, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.Error(t, err)
	assert.Equal(t, dmerrors.ErrCategoryStorage, dmerrors.GetCategory(err))
	assert.True(t, dmerrors.IsRetryable(err))

	all := env.listData(t)
	require.Len(t, all, 1)
	assert.True(t, all[0].LatestVersion)
}

func TestInvalidateUnregistered_Cancelled(t *testing.T) {
	env := setupReconciliationTest(t)
	env.createFakeObject(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.InvalidateUnregistered(ctx, env.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.listData(t))
	assert.Empty(t, env.drainEvents())
}

func TestInvalidateUnregistered_CancelledDuringScan(t *testing.T) {
	env := setupReconciliationTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	lister := newFakeLister()
	for v := 0; v < 3; v++ {
		p := env.prefix(t, v) + "/"
		lister.objects[p] = []string{p + "x"}
	}
	lister.onList = func(prefix string) {
		if prefix == env.prefix(t, 1)+"/" {
			cancel()
		}
	}
	env.svc.resolver = storage.StaticResolver{Lister: lister}

	_, err := env.svc.InvalidateUnregistered(ctx, env.request())
	assert.Equal(t, dmerrors.CodeCancelled, dmerrors.GetCode(err))
	assert.Empty(t, env.listData(t), "no partial registration after cancellation")
}

func TestInvalidateUnregistered_TimeoutBeforeRegistration(t *testing.T) {
	env := setupReconciliationTest(t, WithTimeout(20*time.Millisecond))

	lister := newFakeLister()
	p := env.prefix(t, 0) + "/"
	lister.objects[p] = []string{p + "x"}
	lister.onList = func(string) { time.Sleep(50 * time.Millisecond) }
	env.svc.resolver = storage.StaticResolver{Lister: lister}

	_, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, env.listData(t))
}

func TestInvalidateUnregistered_MaxProbes(t *testing.T) {
	env := setupReconciliationTest(t, WithMaxProbes(2))
	env.createFakeObject(t, 0)
	env.createFakeObject(t, 1)
	env.createFakeObject(t, 2)

	_, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	assert.Equal(t, dmerrors.ErrCategoryInternal, dmerrors.GetCategory(err))
	assert.Empty(t, env.listData(t))
}

func TestInvalidateUnregistered_MaxProbesExactlyReached(t *testing.T) {
	env := setupReconciliationTest(t, WithMaxProbes(2))
	env.createFakeObject(t, 0)
	env.createFakeObject(t, 1)

	resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)
	require.Len(t, resp.RegisteredBusinessObjectDataList, 2)
	assert.True(t, resp.RegisteredBusinessObjectDataList[1].LatestVersion)
}

// failingCatalog fails the nth SaveAndRefresh of every transaction.
type failingCatalog struct {
	*catalog.SQLCatalog
	failAt int
}

type failingTx struct {
	catalog.Tx
	saves  int
	failAt int
}

func (c *failingCatalog) InTx(ctx context.Context, fn func(catalog.Tx) error) error {
	return c.SQLCatalog.InTx(ctx, func(tx catalog.Tx) error {
		return fn(&failingTx{Tx: tx, failAt: c.failAt})
	})
}

func (t *failingTx) SaveAndRefresh(ctx context.Context, rec *types.BusinessObjectData) (*types.BusinessObjectData, error) {
	t.saves++
	if t.saves == t.failAt {
		return nil, dmerrors.NewPersistenceError(dmerrors.CodeWriteFailed, "disk full", nil)
	}
	return t.Tx.SaveAndRefresh(ctx, rec)
}

func TestInvalidateUnregistered_PersistenceFailureRollsBack(t *testing.T) {
	env := setupReconciliationTest(t)
	env.registerExisting(t, 0)
	env.createFakeObject(t, 1)
	env.createFakeObject(t, 2)
	env.createFakeObject(t, 3)

	env.svc.catalog = &failingCatalog{SQLCatalog: env.cat, failAt: 2}

	_, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.Error(t, err)
	assert.Equal(t, dmerrors.ErrCategoryPersistence, dmerrors.GetCategory(err))

	all := env.listData(t)
	require.Len(t, all, 1, "no record of the failed batch survives")
	assert.True(t, all[0].LatestVersion, "previous latest is restored by rollback")
	assert.Empty(t, env.drainEvents())
}

type brokenNotifier struct{}

func (brokenNotifier) NotifyStatusChange(context.Context, types.DataKey, types.DataStatus, types.DataStatus) error {
	return errors.New("queue unavailable")
}

func TestInvalidateUnregistered_NotificationFailureIsIgnored(t *testing.T) {
	env := setupReconciliationTest(t, WithNotifier(brokenNotifier{}))
	env.createFakeObject(t, 0)

	resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
	require.NoError(t, err)
	assert.Len(t, resp.RegisteredBusinessObjectDataList, 1)
	assert.Len(t, env.listData(t), 1)
}

func TestInvalidateUnregistered_ConcurrentRequestsKeepSingleLatest(t *testing.T) {
	env := setupReconciliationTest(t)
	for v := 0; v < 3; v++ {
		env.createFakeObject(t, v)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.svc.InvalidateUnregistered(context.Background(), env.request())
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			mu.Lock()
			total += len(resp.RegisteredBusinessObjectDataList)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, total, "each version is registered exactly once")
	all := env.listData(t)
	require.Len(t, all, 3)
	latest := 0
	for _, d := range all {
		if d.LatestVersion {
			latest++
		}
	}
	assert.Equal(t, 1, latest)
}

func TestIdentityLocks(t *testing.T) {
	locks := NewIdentityLocks(4)

	unlock, err := locks.Lock(context.Background(), "a|b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "a|b")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "same identity waits for the holder")

	unlock()
	unlock2, err := locks.Lock(context.Background(), "a|b")
	require.NoError(t, err)
	unlock2()
}

func TestRequest_NormalizeKeepsNilSubPartitions(t *testing.T) {
	req := Request{
		Namespace: "NS", BusinessObjectDefinitionName: "D", BusinessObjectFormatUsage: "U",
		BusinessObjectFormatFileType: "F", BusinessObjectFormatVersion: intPtr(0),
		PartitionValue: "P", StorageName: "S",
	}
	require.NoError(t, req.Normalize())
	assert.Nil(t, req.SubPartitionValues)
}

func TestRequest_NormalizeLeavesInvalidRequestUntouched(t *testing.T) {
	req := Request{Namespace: " NS ", PartitionValue: " P "}
	require.Error(t, req.Normalize())
	assert.Equal(t, " NS ", req.Namespace)
	assert.Equal(t, " P ", req.PartitionValue)
}
