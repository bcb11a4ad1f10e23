// Package greeterv1connect binds the greeter.v1 service to Connect handlers
// and clients. Messages are protobuf well-known types: Greet takes and returns
// a StringValue, SecureInfo takes an Empty and returns a StringValue.
package greeterv1connect

import (
	"context"
	"net/http"
	"strings"

	connect "connectrpc.com/connect"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	wrapperspb "google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// GreeterServiceName is the fully-qualified name of the GreeterService service.
	GreeterServiceName = "greeter.v1.GreeterService"
)

const (
	// GreeterServiceGreetProcedure is the fully-qualified name of the GreeterService's Greet RPC.
	GreeterServiceGreetProcedure = "/greeter.v1.GreeterService/Greet"
	// GreeterServiceSecureInfoProcedure is the fully-qualified name of the GreeterService's SecureInfo RPC.
	GreeterServiceSecureInfoProcedure = "/greeter.v1.GreeterService/SecureInfo"
)

// GreeterServiceClient is a client for the greeter.v1.GreeterService service.
type GreeterServiceClient interface {
	// Greet sends the name to greet and receives the greeting.
	Greet(context.Context, *connect.Request[wrapperspb.StringValue]) (*connect.Response[wrapperspb.StringValue], error)
	// SecureInfo describes the caller's client certificate.
	SecureInfo(context.Context, *connect.Request[emptypb.Empty]) (*connect.Response[wrapperspb.StringValue], error)
}

// NewGreeterServiceClient constructs a client for the greeter.v1.GreeterService service. By
// default, it uses the Connect protocol with the binary Protobuf Codec.
func NewGreeterServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) GreeterServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &greeterServiceClient{
		greet: connect.NewClient[wrapperspb.StringValue, wrapperspb.StringValue](
			httpClient,
			baseURL+GreeterServiceGreetProcedure,
			append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...,
		),
		secureInfo: connect.NewClient[emptypb.Empty, wrapperspb.StringValue](
			httpClient,
			baseURL+GreeterServiceSecureInfoProcedure,
			append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...,
		),
	}
}

// greeterServiceClient implements GreeterServiceClient.
type greeterServiceClient struct {
	greet      *connect.Client[wrapperspb.StringValue, wrapperspb.StringValue]
	secureInfo *connect.Client[emptypb.Empty, wrapperspb.StringValue]
}

// Greet calls greeter.v1.GreeterService.Greet.
func (c *greeterServiceClient) Greet(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[wrapperspb.StringValue], error) {
	return c.greet.CallUnary(ctx, req)
}

// SecureInfo calls greeter.v1.GreeterService.SecureInfo.
func (c *greeterServiceClient) SecureInfo(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[wrapperspb.StringValue], error) {
	return c.secureInfo.CallUnary(ctx, req)
}

// GreeterServiceHandler is an implementation of the greeter.v1.GreeterService service.
type GreeterServiceHandler interface {
	Greet(context.Context, *connect.Request[wrapperspb.StringValue]) (*connect.Response[wrapperspb.StringValue], error)
	SecureInfo(context.Context, *connect.Request[emptypb.Empty]) (*connect.Response[wrapperspb.StringValue], error)
}

// NewGreeterServiceHandler builds an HTTP handler from the service implementation. It returns the
// path on which to mount the handler and the handler itself.
//
// By default, handlers support the Connect, gRPC, and gRPC-Web protocols with the binary Protobuf
// and JSON codecs.
func NewGreeterServiceHandler(svc GreeterServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	greeterServiceGreetHandler := connect.NewUnaryHandler(
		GreeterServiceGreetProcedure,
		svc.Greet,
		append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...,
	)
	greeterServiceSecureInfoHandler := connect.NewUnaryHandler(
		GreeterServiceSecureInfoProcedure,
		svc.SecureInfo,
		append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...,
	)
	return "/greeter.v1.GreeterService/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case GreeterServiceGreetProcedure:
			greeterServiceGreetHandler.ServeHTTP(w, r)
		case GreeterServiceSecureInfoProcedure:
			greeterServiceSecureInfoHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}
