// Package grpc provides the gRPC API of the dmcat service. Messages are
// carried as google.protobuf.Struct using the JSON field names of the HTTP API.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/internal/reconcile"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "dmcat.v1.BusinessObjectDataService"
	// InvalidateUnregisteredMethod is the full method name of InvalidateUnregistered.
	InvalidateUnregisteredMethod = "/" + ServiceName + "/InvalidateUnregistered"
)

// BusinessObjectDataServer is the server API of BusinessObjectDataService.
type BusinessObjectDataServer interface {
	InvalidateUnregistered(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes BusinessObjectDataService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BusinessObjectDataServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "InvalidateUnregistered",
			Handler:    invalidateUnregisteredHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dmcat/v1/business_object_data.proto",
}

func invalidateUnregisteredHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BusinessObjectDataServer).InvalidateUnregistered(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InvalidateUnregisteredMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BusinessObjectDataServer).InvalidateUnregistered(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterBusinessObjectDataServer registers srv with s.
func RegisterBusinessObjectDataServer(s grpc.ServiceRegistrar, srv BusinessObjectDataServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Invalidator invalidates unregistered business object data.
type Invalidator interface {
	InvalidateUnregistered(ctx context.Context, req reconcile.Request) (*reconcile.Response, error)
}

// Server implements BusinessObjectDataServer on top of the reconciliation service.
type Server struct {
	svc Invalidator
}

// NewServer creates a new gRPC server.
func NewServer(svc Invalidator) *Server {
	return &Server{svc: svc}
}

// InvalidateUnregistered handles the invalidation call.
func (s *Server) InvalidateUnregistered(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	var req reconcile.Request
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	resp, err := s.svc.InvalidateUnregistered(ctx, req)
	if err != nil {
		st := ToStatus(err)
		if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
			log.Error().Err(err).Str("request_id", requestID).Msg("invalidation failed")
		}
		return nil, st.Err()
	}

	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// ToStatus maps a service error onto a gRPC status.
func ToStatus(err error) *status.Status {
	msg := err.Error()
	var ce *dmerrors.CatalogError
	if errors.As(err, &ce) {
		msg = ce.Message
	}

	switch dmerrors.GetCategory(err) {
	case dmerrors.ErrCategoryValidation:
		return status.New(codes.InvalidArgument, msg)
	case dmerrors.ErrCategoryNotFound:
		return status.New(codes.NotFound, msg)
	case dmerrors.ErrCategoryPrecondition:
		return status.New(codes.FailedPrecondition, msg)
	case dmerrors.ErrCategoryStorage:
		return status.New(codes.Unavailable, err.Error())
	case dmerrors.ErrCategoryPersistence:
		if dmerrors.GetCode(err) == dmerrors.CodeWriteConflict {
			return status.New(codes.Aborted, err.Error())
		}
		return status.New(codes.Internal, err.Error())
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toStruct encodes v into a Struct through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// extractRequestID extracts request ID from gRPC metadata or generates a new one.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// Client calls BusinessObjectDataService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// InvalidateUnregistered calls the service with a typed request.
func (c *Client) InvalidateUnregistered(ctx context.Context, req reconcile.Request, opts ...grpc.CallOption) (*reconcile.Response, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, InvalidateUnregisteredMethod, in, out, opts...); err != nil {
		return nil, err
	}
	var resp reconcile.Response
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
