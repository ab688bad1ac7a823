package pipeline

import (
	"context"

	"github.com/gantrylab/gantry/internal/transport"
)

const maxRequestIDLen = 128

// RequestID guarantees the correlation id rides the response header
// even when an inner middleware short-circuits before dispatch.
type RequestID struct{}

// NewRequestID builds the id propagation middleware.
func NewRequestID() *RequestID { return &RequestID{} }

func (RequestID) Name() string { return "request_id" }
func (RequestID) Order() int   { return OrderRequestID }

func (RequestID) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		if len(req.ID) > maxRequestIDLen {
			req.ID = req.ID[:maxRequestIDLen]
		}
		if req.Response.RequestID == "" {
			req.Response.RequestID = req.ID
		}
		req.Response.SetHeader(transport.RequestIDHeader, req.ID)
		return next(ctx, req)
	}
}
