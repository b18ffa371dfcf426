// Package middleware runs every DoH request through an ordered chain of handlers.
package middleware

import (
	"context"
)

// Handler is a step of the request chain.
type Handler interface {
	Name() string
	ServeDoH(ctx context.Context, ch *Chain)
}
