package server

import (
	"context"
	"net/http"

	"connectrpc.com/authn"
	"connectrpc.com/connect"
	connectcors "connectrpc.com/cors"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/api/greeter/v1/greeterv1connect"
	"github.com/wolfeidau/mtlsgreeter/internal/auth"
	"github.com/wolfeidau/mtlsgreeter/internal/greeter"
	"github.com/wolfeidau/mtlsgreeter/internal/identity"
	"github.com/wolfeidau/mtlsgreeter/internal/telemetry"
	"github.com/wolfeidau/mtlsgreeter/internal/transport"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var _ greeterv1connect.GreeterServiceHandler = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithMetrics records dispatch metrics on m instead of the global instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCORSOrigins allows browser callers from origins.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// Server dispatches greeter.v1 calls: it takes the caller identity resolved
// from the connection, runs the operation gate, and only then calls the handler.
type Server struct {
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	corsOrigins []string
}

// NewServer creates the greeter service.
func NewServer(logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.GetMetrics()
	}
	return s
}

func (s *Server) Greet(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[wrapperspb.StringValue], error) {
	return dispatch(ctx, s, greeter.OperationGreet, func(id identity.Identity) string {
		return greeter.Greet(req.Msg.GetValue(), id)
	})
}

func (s *Server) SecureInfo(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[wrapperspb.StringValue], error) {
	return dispatch(ctx, s, greeter.OperationSecureInfo, greeter.SecureInfo)
}

// dispatch takes the caller resolved by the authn middleware, applies the
// operation's requirement and runs handle with the identity. handle never
// runs for a rejected call.
func dispatch(ctx context.Context, s *Server, operation string, handle func(identity.Identity) string) (*connect.Response[wrapperspb.StringValue], error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		id = identity.Anonymous()
	}

	endpointName := "unknown"
	if conn, ok := transport.ConnectionFromContext(ctx); ok {
		endpointName = conn.Endpoint.Name
	}

	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = &s.logger
	}

	if err := auth.Authorize(operation, id, greeter.Requirement(operation)); err != nil {
		cerr := auth.ConnectError(err)
		s.metrics.AuthRejected(ctx, operation, endpointName)
		s.metrics.CallCompleted(ctx, operation, endpointName, connect.CodeOf(cerr).String(), id.IsAuthenticated())
		log.Info().
			Str("operation", operation).
			Object("identity", id).
			Err(err).
			Msg("Operation rejected")
		return nil, cerr
	}

	msg := handle(id)
	s.metrics.CallCompleted(ctx, operation, endpointName, "ok", id.IsAuthenticated())
	log.Debug().
		Str("operation", operation).
		Object("identity", id).
		Msg("Operation completed")

	return connect.NewResponse(wrapperspb.String(msg)), nil
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(interceptors ...connect.Interceptor) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	greeterPath, greeterHandler := greeterv1connect.NewGreeterServiceHandler(
		s,
		connect.WithInterceptors(interceptors...),
	)
	middleware := authn.NewMiddleware(auth.NewIdentityAuthFunc())
	mux.Handle(greeterPath, middleware.Wrap(greeterHandler))

	if len(s.corsOrigins) == 0 {
		return mux
	}

	return withCORS(s.corsOrigins, mux)
}

// withCORS adds CORS support to a Connect HTTP handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: connectcors.AllowedMethods(),
		AllowedHeaders: connectcors.AllowedHeaders(),
		ExposedHeaders: append(connectcors.ExposedHeaders(), auth.FaultHeader),
	})
	return middleware.Handler(h)
}
