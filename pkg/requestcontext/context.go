// Package requestcontext holds request-scoped values that services read
// without importing net/http: the request id, the client address and a single
// "now" shared by every write in one request or dispatch batch.
package requestcontext

import (
	"context"
	"time"
)

type (
	requestIDKey struct{}
	nowKey       struct{}
	clientIPKey  struct{}
)

func stringValue(ctx context.Context, key any) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// RequestID returns the id set by the request middleware, or "".
func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// ClientIP returns the caller address resolved by the metadata middleware.
func ClientIP(ctx context.Context) string {
	return stringValue(ctx, clientIPKey{})
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// Now returns the pinned time, or the wall clock in UTC when nothing was
// pinned (workers, CLIs).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(nowKey{}).(time.Time); ok {
		return t
	}
	return time.Now().UTC()
}

// WithTime pins the value Now returns for ctx.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, nowKey{}, t)
}
