package pipeline

import (
	"context"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/transport"
)

// BodyLimit rejects requests whose declared length exceeds the intake
// bound before any handler work happens. Chunked bodies with no
// declared length are caught later by the capped body reader.
type BodyLimit struct {
	max int64
}

// NewBodyLimit builds the intake guard. A non-positive max disables
// the declared-length check.
func NewBodyLimit(maxBytes int64) *BodyLimit {
	return &BodyLimit{max: maxBytes}
}

func (b *BodyLimit) Name() string { return "body_limit" }
func (b *BodyLimit) Order() int   { return OrderBodyLimit }

func (b *BodyLimit) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		if b.max > 0 && req.ContentLength > b.max {
			return errkind.ErrBodyTooLarge.WithDetail("limit", b.max)
		}
		return next(ctx, req)
	}
}
