package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type dummy struct {
	calls int
}

func (d *dummy) ServeDoH(ctx context.Context, ch *Chain) {
	d.calls++
	ch.Next(ctx)
}

func (d *dummy) Name() string { return "dummy" }

type terminal struct {
	status int
}

func (h *terminal) ServeDoH(ctx context.Context, ch *Chain) {
	ch.Writer.WriteHeader(h.status)
	_, _ = ch.Writer.Write([]byte("body"))
}

func (h *terminal) Name() string { return "terminal" }

func Test_Chain(t *testing.T) {
	d := &dummy{}
	ch := NewChain([]Handler{d, &terminal{status: http.StatusTeapot}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	ch.Reset(rec, req)

	ch.Next(context.Background())

	assert.Equal(t, 1, d.calls)
	assert.True(t, ch.Writer.Written())
	assert.Equal(t, http.StatusTeapot, ch.Writer.Status())
	assert.Equal(t, 4, ch.Writer.Size())
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "body", rec.Body.String())
	assert.Equal(t, 0, ch.count)

	// exhausted chain does nothing
	ch.Next(context.Background())
	assert.Equal(t, 1, d.calls)
}

func Test_ChainCancel(t *testing.T) {
	d := &dummy{}
	ch := NewChain([]Handler{d, d})

	ch.Reset(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	ch.Cancel()
	ch.Next(context.Background())

	assert.Equal(t, 0, d.calls)
	assert.Equal(t, 0, ch.count)

	rec := httptest.NewRecorder()
	ch.Reset(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 2, ch.count)
	assert.False(t, ch.Writer.Written())

	ch.CancelWithStatus(http.StatusForbidden)
	assert.True(t, ch.Writer.Written())
	assert.Equal(t, http.StatusForbidden, ch.Writer.Status())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, 0, ch.count)

	// a second cancel keeps the first status
	ch.CancelWithStatus(http.StatusTooManyRequests)
	assert.Equal(t, http.StatusForbidden, ch.Writer.Status())
}

func Test_ChainReset(t *testing.T) {
	ch := NewChain([]Handler{&terminal{status: http.StatusOK}})

	ch.Reset(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	ch.Next(context.Background())
	assert.True(t, ch.Writer.Written())

	ch.Reset(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ch.Writer.Written())
	assert.Equal(t, 0, ch.Writer.Size())
	assert.Equal(t, http.StatusOK, ch.Writer.Status())
	assert.Equal(t, 0, ch.head)
}

func Test_RemoteIP(t *testing.T) {
	ch := NewChain(nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5353"
	ch.Reset(httptest.NewRecorder(), req)
	assert.Equal(t, "192.0.2.10", ch.RemoteIP().String())

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ch.RemoteIP().String())

	req.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", ch.RemoteIP().String())

	req.RemoteAddr = "garbage"
	assert.Nil(t, ch.RemoteIP())
}
