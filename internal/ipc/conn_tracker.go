package ipc

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"ipp-daemon/internal/core"
)

// ConnTracker counts in-flight control RPCs and logs each call.
type ConnTracker struct {
	active atomic.Int64
	total  atomic.Int64
}

// NewConnTracker creates a tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{}
}

// ActiveCount returns the number of in-flight RPCs.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

// TotalCount returns the number of RPCs served.
func (ct *ConnTracker) TotalCount() int64 {
	return ct.total.Load()
}

// UnaryInterceptor returns a gRPC unary server interceptor that tracks and
// logs RPCs.
func (ct *ConnTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ct.total.Add(1)
		ct.active.Add(1)
		defer ct.active.Add(-1)

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			core.Log.Warnf(tag, "%s failed after %s: %s", info.FullMethod, time.Since(start), status.Convert(err).Message())
		} else {
			core.Log.Debugf(tag, "%s ok in %s", info.FullMethod, time.Since(start))
		}
		return resp, err
	}
}
