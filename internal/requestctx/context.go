package requestctx

import (
	"context"
	"time"
)

type contextKey string

// Key is the typed context key used for storing the batch Context.
var Key contextKey = "compass-skill/requestctx"

// Context describes the custom skill batch a record belongs to.
type Context struct {
	BatchID    string
	Records    int
	ReceivedAt time.Time
}

// WithContext embeds the batch context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the batch context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok && rc != nil
}
