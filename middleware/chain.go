package middleware

import (
	"context"
	"net"
	"net/http"
)

// Chain type.
type Chain struct {
	Writer  ResponseWriter
	Request *http.Request

	handlers []Handler

	head  int
	count int
}

// NewChain return new fresh chain.
func NewChain(handlers []Handler) *Chain {
	return &Chain{
		Writer:   &responseWriter{},
		handlers: handlers,
		count:    len(handlers),
	}
}

// (*Chain).Next next call next handler in the chain.
func (ch *Chain) Next(ctx context.Context) {
	if ch.count == 0 {
		return
	}

	handler := ch.handlers[ch.head]
	ch.head = (ch.head + 1) % len(ch.handlers)
	ch.count--

	handler.ServeDoH(ctx, ch)
}

// (*Chain).Cancel cancel next calls.
func (ch *Chain) Cancel() {
	ch.count = 0
}

// (*Chain).CancelWithStatus cancel next calls and answer with an empty body.
func (ch *Chain) CancelWithStatus(status int) {
	if !ch.Writer.Written() {
		ch.Writer.Header().Set("Content-Length", "0")
		ch.Writer.WriteHeader(status)
	}

	ch.count = 0
}

// (*Chain).RemoteIP returns the client address of the request, nil if unknown.
func (ch *Chain) RemoteIP() net.IP {
	return remoteIP(ch.Request)
}

// (*Chain).Reset reset the chain variables.
func (ch *Chain) Reset(w http.ResponseWriter, r *http.Request) {
	ch.Writer.Reset(w)
	ch.Request = r
	ch.count = len(ch.handlers)
	ch.head = 0
}

func remoteIP(r *http.Request) net.IP {
	if r == nil {
		return nil
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return net.ParseIP(host)
}
