package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/internal/reconcile"
	"github.com/dmcatalog/dmcat/pkg/types"
)

type stubInvalidator struct {
	got  reconcile.Request
	resp *reconcile.Response
	err  error
}

func (s *stubInvalidator) InvalidateUnregistered(_ context.Context, req reconcile.Request) (*reconcile.Response, error) {
	s.got = req
	return s.resp, s.err
}

func startServer(t *testing.T, svc Invalidator) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterBusinessObjectDataServer(srv, NewServer(svc))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func intPtr(v int) *int { return &v }

func TestServer_InvalidateUnregistered(t *testing.T) {
	stub := &stubInvalidator{resp: &reconcile.Response{
		Namespace:                   "NS",
		BusinessObjectFormatVersion: 2,
		SubPartitionValues:          []string{"US"},
		RegisteredBusinessObjectDataList: []reconcile.RegisteredData{
			{ID: 7, Version: 3, Status: types.StatusInvalid, LatestVersion: true},
		},
	}}
	client := startServer(t, stub)

	resp, err := client.InvalidateUnregistered(context.Background(), reconcile.Request{
		Namespace:                   "NS",
		BusinessObjectFormatVersion: intPtr(2),
		SubPartitionValues:          []string{"US"},
		StorageName:                 "S3",
	})
	require.NoError(t, err)

	require.NotNil(t, stub.got.BusinessObjectFormatVersion)
	assert.Equal(t, 2, *stub.got.BusinessObjectFormatVersion)
	assert.Equal(t, []string{"US"}, stub.got.SubPartitionValues)
	assert.Equal(t, "S3", stub.got.StorageName)

	assert.Equal(t, 2, resp.BusinessObjectFormatVersion)
	require.Len(t, resp.RegisteredBusinessObjectDataList, 1)
	got := resp.RegisteredBusinessObjectDataList[0]
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, types.StatusInvalid, got.Status)
	assert.True(t, got.LatestVersion)
}

func TestServer_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"validation", dmerrors.NewValidationError(dmerrors.CodeRequiredField, "The storage name is required"), codes.InvalidArgument},
		{"not found", dmerrors.NewNotFoundError(dmerrors.CodeFormatNotFound, "missing"), codes.NotFound},
		{"precondition", dmerrors.NewPreconditionError(dmerrors.CodeUnsupportedPlatform, "not S3"), codes.FailedPrecondition},
		{"storage", dmerrors.NewStorageError(dmerrors.CodeListFailed, "list", nil), codes.Unavailable},
		{"conflict", dmerrors.NewPersistenceError(dmerrors.CodeWriteConflict, "race", nil), codes.Aborted},
		{"persistence", dmerrors.NewPersistenceError(dmerrors.CodeWriteFailed, "write", nil), codes.Internal},
		{"cancelled", dmerrors.Wrap(dmerrors.ErrCategoryInternal, dmerrors.CodeCancelled, "cancelled", context.Canceled), codes.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startServer(t, &stubInvalidator{err: tt.err})
			_, err := client.InvalidateUnregistered(context.Background(), reconcile.Request{})
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestToStatus_UsesPlainMessage(t *testing.T) {
	st := ToStatus(dmerrors.NewValidationError(dmerrors.CodeRequiredField, "The namespace is required"))
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "The namespace is required", st.Message())
}
