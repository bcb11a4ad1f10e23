package logger

import (
	"context"
	"io"
	"os"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/internal/transport"
)

func Setup(dev bool) zerolog.Logger {
	return New(os.Stderr, dev)
}

// New builds the process logger writing to w: JSON at info level, or a
// console writer at debug level in dev mode.
func New(w io.Writer, dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

var _ connect.Interceptor = (*ConnectRequests)(nil)

// ConnectRequests logs every RPC with the connection it arrived on.
type ConnectRequests struct {
	logger zerolog.Logger
}

func NewConnectRequests(logger zerolog.Logger) *ConnectRequests {
	return &ConnectRequests{logger: logger}
}

func (c *ConnectRequests) requestLogger(ctx context.Context, procedure string, peer connect.Peer) zerolog.Logger {
	lctx := c.logger.With().
		Str("procedure", procedure).
		Str("protocol", peer.Protocol).
		Str("addr", peer.Addr)

	if conn, ok := transport.ConnectionFromContext(ctx); ok {
		lctx = lctx.Str("conn_id", conn.ID).
			Str("endpoint", conn.Endpoint.Name).
			Bool("tls", conn.TLSEstablished)
	}

	return lctx.Logger()
}

func (c *ConnectRequests) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return connect.UnaryFunc(func(
		ctx context.Context,
		req connect.AnyRequest,
	) (connect.AnyResponse, error) {
		started := time.Now()

		if req.Spec().IsClient {
			resp, err := next(ctx, req)
			c.logger.Debug().
				Str("procedure", req.Spec().Procedure).
				Err(err).
				Dur("duration", time.Since(started)).
				Msg("rpc client call")
			return resp, err
		}

		log := c.requestLogger(ctx, req.Spec().Procedure, req.Peer())
		ctx = log.WithContext(ctx)

		resp, err := next(ctx, req)

		if err != nil {
			code := connect.CodeOf(err)
			event := zerolog.Ctx(ctx).Error()
			if code == connect.CodeUnauthenticated || code == connect.CodePermissionDenied {
				event = zerolog.Ctx(ctx).Warn()
			}
			event.
				Err(err).
				Stringer("code", code).
				Dur("duration", time.Since(started)).
				Msg("rpc call")

			return resp, err
		}

		zerolog.Ctx(ctx).Info().
			Dur("duration", time.Since(started)).
			Msg("rpc call")

		return resp, err
	})
}

func (c *ConnectRequests) WrapStreamingClient(
	next connect.StreamingClientFunc,
) connect.StreamingClientFunc {
	return connect.StreamingClientFunc(func(
		ctx context.Context,
		spec connect.Spec,
	) connect.StreamingClientConn {
		ctx = c.logger.With().Str("procedure", spec.Procedure).Logger().WithContext(ctx)
		return next(ctx, spec)
	})
}

func (c *ConnectRequests) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return connect.StreamingHandlerFunc(func(
		ctx context.Context,
		conn connect.StreamingHandlerConn,
	) error {
		started := time.Now()

		log := c.requestLogger(ctx, conn.Spec().Procedure, conn.Peer())
		ctx = log.WithContext(ctx)

		err := next(ctx, conn)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("rpc server stream error")
			return err
		}

		zerolog.Ctx(ctx).Info().
			Dur("duration", time.Since(started)).
			Msg("rpc server stream finished")

		return nil
	})
}
