package wsengine

import (
	"errors"
	"net/http"

	"github.com/wsengine/wsengine/auth"
	"github.com/wsengine/wsengine/dispatch"
	"github.com/wsengine/wsengine/metrics"
	"github.com/wsengine/wsengine/pubsub"
	"go.uber.org/zap"
)

// ServerOption configures the server during New.
type ServerOption func(*Server) error

// WithLogger sets the root logger. Components derive named loggers from it.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithAuthenticator installs credential verification for the handshake and
// token revalidation for reconnection.
func WithAuthenticator(a auth.Authenticator) ServerOption {
	return func(s *Server) error {
		s.authenticator = a
		return nil
	}
}

// WithPubSub installs an external broker; the server bridges broadcast and
// room channels to local fan-out. Without it, Publish helpers deliver
// locally only.
func WithPubSub(broker pubsub.PubSub) ServerOption {
	return func(s *Server) error {
		s.broker = broker
		return nil
	}
}

// WithMetrics sets the metrics sink shared by all components.
func WithMetrics(recorder metrics.Recorder) ServerOption {
	return func(s *Server) error {
		if recorder == nil {
			return errors.New("metrics recorder cannot be nil")
		}
		s.recorder = recorder
		return nil
	}
}

// WithMiddleware appends a dispatch middleware, in registration order.
func WithMiddleware(mw dispatch.Middleware) ServerOption {
	return func(s *Server) error {
		s.middlewares = append(s.middlewares, mw)
		return nil
	}
}

// WithErrorHandler installs the hook for non-validation handler errors.
func WithErrorHandler(fn func(ctx *dispatch.Ctx, err error)) ServerOption {
	return func(s *Server) error {
		s.dispatchOptions = append(s.dispatchOptions, dispatch.WithErrorHandler(fn))
		return nil
	}
}

// WithNotFoundHandler replaces the default handler-not-found reply.
func WithNotFoundHandler(h dispatch.Handler) ServerOption {
	return func(s *Server) error {
		s.dispatchOptions = append(s.dispatchOptions, dispatch.WithNotFoundHandler(h))
		return nil
	}
}

// WithHTTPHandler mounts an additional handler on the bound-mode mux,
// typically a metrics or health endpoint.
func WithHTTPHandler(path string, handler http.Handler) ServerOption {
	return func(s *Server) error {
		if path == "" || handler == nil {
			return errors.New("http handler requires a path and a handler")
		}
		s.extraHandlers[path] = handler
		return nil
	}
}
