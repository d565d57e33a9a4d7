package engine

import (
	"context"

	"github.com/google/uuid"
)

type connIDKey struct{}

// NewConnID mints a correlation ID for one accepted connection, attached to
// every log line the request and CONNECT engines emit for it so a single
// client socket's activity can be grepped out of a multiplexed log stream.
func NewConnID() string {
	return uuid.New().String()
}

// WithConnID attaches a connection correlation ID to ctx.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnIDFromContext returns the correlation ID attached by WithConnID, or ""
// if none was set.
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
