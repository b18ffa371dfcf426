package forwarder

import (
	"context"

	"github.com/dohproxy/dohproxy/middleware"
	"github.com/dohproxy/dohproxy/server/doh"
)

// Forwarder type
type Forwarder struct {
	handler *doh.Handler
}

// New return forwarder sending validated queries to upstream
func New(upstream doh.Exchanger) *Forwarder {
	return &Forwarder{handler: doh.New(upstream)}
}

// Name return middleware name
func (f *Forwarder) Name() string { return name }

// ServeDoH implements the Handler interface, it is the last handler of the chain.
func (f *Forwarder) ServeDoH(ctx context.Context, ch *middleware.Chain) {
	f.handler.ServeHTTP(ch.Writer, ch.Request.WithContext(ctx))

	ch.Cancel()
}

const name = "forwarder"
