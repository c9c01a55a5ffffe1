// Package admin exposes the operator surface as a small gRPC service:
// trigger a warm run, flush every key of one entity type, and read the
// current backend health. All operations are safe to invoke while the
// service handles live traffic.
//
// The request/response types are plain Go structs (not generated protobuf
// messages), so the package registers a thin codec wrapper that JSON-encodes
// admin types while delegating all other messages to the standard proto
// codec. Import this package (or call [Register]) to activate the codec.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcEncoding "google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // ensure default proto codec is registered first
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/acornlabs/hoard/policy"
)

// WarmRequest triggers a warm run for one entity type. Candidates are
// identities ordered most-requested first; the policy's MaxWarmCount caps
// how many are used.
type WarmRequest struct {
	EntityType   string   `json:"entity_type"`
	Candidates   []string `json:"candidates"`
	ForceRefresh bool     `json:"force_refresh"`
}

// WarmResponse reports the outcome of a warm run.
type WarmResponse struct {
	Warmed  int `json:"warmed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// FlushRequest removes every cached key of one entity type.
type FlushRequest struct {
	EntityType string `json:"entity_type"`
}

// FlushResponse reports how many backend keys the flush removed.
type FlushResponse struct {
	Deleted int `json:"deleted"`
}

// HealthRequest reads the current cache-layer health.
type HealthRequest struct{}

// HealthResponse reports backend availability as seen by this process.
type HealthResponse struct {
	BackendState    string `json:"backend_state"` // "up" or "down"
	LastCheckedUnix int64  `json:"last_checked_unix"`
}

// adminMsg is a marker interface satisfied by all admin request/response
// types.
type adminMsg interface {
	isAdminMsg()
}

func (*WarmRequest) isAdminMsg()    {}
func (*WarmResponse) isAdminMsg()   {}
func (*FlushRequest) isAdminMsg()   {}
func (*FlushResponse) isAdminMsg()  {}
func (*HealthRequest) isAdminMsg()  {}
func (*HealthResponse) isAdminMsg() {}

// Handler is the interface an admin service implementation must satisfy.
// The root Coordinator implements it.
type Handler interface {
	Warm(ctx context.Context, req *WarmRequest) (*WarmResponse, error)
	Flush(ctx context.Context, req *FlushRequest) (*FlushResponse, error)
	Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc for the hoard.Admin service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "hoard.Admin",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Warm", Handler: warmHandler},
		{MethodName: "Flush", Handler: flushHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hoard/admin.proto",
}

// Register registers an admin service implementation on the given server.
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// toStatus maps handler errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var unknown *policy.ErrUnknownEntityType
	if errors.As(err, &unknown) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func warmHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(WarmRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, r any) (any, error) {
		resp, err := srv.(Handler).Warm(ctx, r.(*WarmRequest))
		return resp, toStatus(err)
	}
	if interceptor == nil {
		return invoke(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hoard.Admin/Warm"}
	return interceptor(ctx, req, info, invoke)
}

func flushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(FlushRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, r any) (any, error) {
		resp, err := srv.(Handler).Flush(ctx, r.(*FlushRequest))
		return resp, toStatus(err)
	}
	if interceptor == nil {
		return invoke(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hoard.Admin/Flush"}
	return interceptor(ctx, req, info, invoke)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HealthRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, r any) (any, error) {
		resp, err := srv.(Handler).Health(ctx, r.(*HealthRequest))
		return resp, toStatus(err)
	}
	if interceptor == nil {
		return invoke(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hoard.Admin/Health"}
	return interceptor(ctx, req, info, invoke)
}

// ---------- codec wrapper ----------

func init() {
	// Replace the default proto codec with a thin wrapper that JSON-encodes
	// admin types and delegates all other messages to proto.Marshal.
	grpcEncoding.RegisterCodec(adminCodec{})
}

// adminCodec wraps the default proto codec. It handles admin request and
// response types via JSON, and delegates all other types to
// proto.Marshal/Unmarshal.
type adminCodec struct{}

func (adminCodec) Name() string { return "proto" }

func (adminCodec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(adminMsg); ok {
		return json.Marshal(v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("admin codec: unsupported message type %T", v)
}

func (adminCodec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(adminMsg); ok {
		return json.Unmarshal(data, v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("admin codec: unsupported message type %T", v)
}
