package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/transport"
)

// ErrorTranslate is the outermost middleware. It converts errors
// surfacing from the chain into error replies and recovers panics so
// one bad request never takes the worker down.
type ErrorTranslate struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	debug   bool
}

// NewErrorTranslate builds the error translation layer. In debug mode
// error replies carry the underlying error text.
func NewErrorTranslate(log *zap.Logger, m *metrics.Metrics, debug bool) *ErrorTranslate {
	if log == nil {
		log = zap.NewNop()
	}
	return &ErrorTranslate{log: log, metrics: m, debug: debug}
}

func (t *ErrorTranslate) Name() string { return "error_translate" }
func (t *ErrorTranslate) Order() int   { return OrderErrorTranslate }

func (t *ErrorTranslate) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		defer func() {
			if rec := recover(); rec != nil {
				t.log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", req.ID),
					zap.String("path", req.Path),
					zap.Stack("stack"))
				if t.metrics != nil {
					t.metrics.PanicsTotal.Inc()
				}
				e := errkind.New(errkind.Internal, "panic", "internal server error").WithRequestID(req.ID)
				req.Response.SetError(e, t.debug)
			}
		}()

		err := next(ctx, req)
		if err == nil {
			return nil
		}

		e := errkind.Classify(err).WithRequestID(req.ID)
		switch {
		case e.Kind == errkind.Internal:
			t.log.Error("request failed",
				zap.String("request_id", req.ID),
				zap.String("path", req.Path),
				zap.Error(err))
		case e.HTTPStatus() >= 500:
			t.log.Warn("request unavailable",
				zap.String("request_id", req.ID),
				zap.String("path", req.Path),
				zap.String("kind", e.Kind.String()),
				zap.Error(err))
		}
		if e.Kind == errkind.NotAuthenticated {
			req.Response.SetHeader("WWW-Authenticate", "Bearer")
		}
		if t.metrics != nil {
			t.metrics.ErrorsTotal.WithLabelValues(e.Kind.String()).Inc()
		}
		req.Response.SetError(e, t.debug)
		return nil
	}
}
