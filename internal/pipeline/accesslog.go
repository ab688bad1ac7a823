package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/transport"
)

// AccessLogParams configures the request logger.
type AccessLogParams struct {
	SkipPaths []string `yaml:"skip_paths"`
}

// AccessLog emits one structured entry per request. Paths in the skip
// set (health probes, metrics scrapes) stay quiet.
type AccessLog struct {
	log  *zap.Logger
	skip map[string]struct{}
}

// NewAccessLog builds the request logger.
func NewAccessLog(log *zap.Logger, p AccessLogParams) *AccessLog {
	if log == nil {
		log = zap.NewNop()
	}
	skip := make(map[string]struct{}, len(p.SkipPaths))
	for _, path := range p.SkipPaths {
		skip[path] = struct{}{}
	}
	return &AccessLog{log: log, skip: skip}
}

func (l *AccessLog) Name() string { return "access_log" }
func (l *AccessLog) Order() int   { return OrderAccessLog }

func (l *AccessLog) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		if _, ok := l.skip[req.Path]; ok {
			return next(ctx, req)
		}

		start := time.Now()
		err := next(ctx, req)

		resp := req.Response
		status := resp.Status
		if err != nil {
			// The translation layer outside us has not converted the
			// error yet; log the status it will produce.
			status = errkind.Classify(err).HTTPStatus()
		}

		fields := [8]zap.Field{
			zap.String("request_id", req.ID),
			zap.String("transport", string(req.Transport)),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.String("route", req.Route),
			zap.Int("status", status),
			zap.Int("bytes", len(resp.BodyBytes())),
			zap.Duration("duration", time.Since(start)),
		}
		l.log.Info("request", fields[:]...)
		return err
	}
}
