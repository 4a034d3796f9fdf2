package ledger

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service served by ledger nodes.
const ServiceName = "auditledger.ledger.v1.Ledger"

// Full method names, as seen by interceptors.
const (
	SubmitMethod      = "/" + ServiceName + "/Submit"
	QueryDigestMethod = "/" + ServiceName + "/QueryDigest"
)

// Server is implemented by a ledger node. Messages travel as
// google.protobuf.Struct and are converted with the helpers below.
type Server interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	QueryDigest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "QueryDigest", Handler: queryDigestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "auditledger/ledger/v1/ledger.proto",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queryDigestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).QueryDigest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueryDigestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).QueryDigest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ── Messages ─────────────────────────────────────────────────────────────────

// SubmitRequest anchors Digest under Key.
type SubmitRequest struct {
	Key    string
	Digest string
}

// SubmitResponse reports the entry holding the digest. Created is false when
// the key had already been anchored.
type SubmitResponse struct {
	TxRef   string
	Index   int
	Created bool
}

// QueryDigestRequest looks up a transaction.
type QueryDigestRequest struct {
	TxRef string
}

// QueryDigestResponse is the anchored entry behind a transaction.
type QueryDigestResponse struct {
	TxRef     string
	Key       string
	Digest    string
	Index     int
	Timestamp time.Time
}

func (r SubmitRequest) Proto() *structpb.Struct {
	return mustStruct(map[string]any{"key": r.Key, "digest": r.Digest})
}

func (r SubmitResponse) Proto() *structpb.Struct {
	return mustStruct(map[string]any{"tx_ref": r.TxRef, "index": r.Index, "created": r.Created})
}

func (r QueryDigestRequest) Proto() *structpb.Struct {
	return mustStruct(map[string]any{"tx_ref": r.TxRef})
}

func (r QueryDigestResponse) Proto() *structpb.Struct {
	return mustStruct(map[string]any{
		"tx_ref":    r.TxRef,
		"key":       r.Key,
		"digest":    r.Digest,
		"index":     r.Index,
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// ParseSubmitRequest decodes a SubmitRequest.
func ParseSubmitRequest(s *structpb.Struct) (SubmitRequest, error) {
	key, err := stringField(s, "key")
	if err != nil {
		return SubmitRequest{}, err
	}
	digest, err := stringField(s, "digest")
	if err != nil {
		return SubmitRequest{}, err
	}
	return SubmitRequest{Key: key, Digest: digest}, nil
}

// ParseSubmitResponse decodes a SubmitResponse.
func ParseSubmitResponse(s *structpb.Struct) (SubmitResponse, error) {
	txRef, err := stringField(s, "tx_ref")
	if err != nil {
		return SubmitResponse{}, err
	}
	return SubmitResponse{
		TxRef:   txRef,
		Index:   int(s.GetFields()["index"].GetNumberValue()),
		Created: s.GetFields()["created"].GetBoolValue(),
	}, nil
}

// ParseQueryDigestRequest decodes a QueryDigestRequest.
func ParseQueryDigestRequest(s *structpb.Struct) (QueryDigestRequest, error) {
	txRef, err := stringField(s, "tx_ref")
	if err != nil {
		return QueryDigestRequest{}, err
	}
	return QueryDigestRequest{TxRef: txRef}, nil
}

// ParseQueryDigestResponse decodes a QueryDigestResponse.
func ParseQueryDigestResponse(s *structpb.Struct) (QueryDigestResponse, error) {
	digest, err := stringField(s, "digest")
	if err != nil {
		return QueryDigestResponse{}, err
	}
	f := s.GetFields()
	ts, _ := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	return QueryDigestResponse{
		TxRef:     f["tx_ref"].GetStringValue(),
		Key:       f["key"].GetStringValue(),
		Digest:    digest,
		Index:     int(f["index"].GetNumberValue()),
		Timestamp: ts,
	}, nil
}

func stringField(s *structpb.Struct, name string) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", name)
	}
	return str.StringValue, nil
}

// mustStruct panics only for value types structpb cannot represent, which
// the message types above never contain.
func mustStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		panic(err)
	}
	return s
}
