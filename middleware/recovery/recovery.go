package recovery

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/semihalev/zlog/v2"

	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/middleware"
)

// Recovery dummy type.
type Recovery struct{}

// New return recovery.
func New(cfg *config.Config) *Recovery {
	return &Recovery{}
}

// Name return middleware name.
func (r *Recovery) Name() string { return name }

// ServeDoH answers 500 when a later handler panics, unless a response was already started.
func (r *Recovery) ServeDoH(ctx context.Context, ch *middleware.Chain) {
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				panic(r)
			}

			ch.CancelWithStatus(http.StatusInternalServerError)

			zlog.Error("Recovered in ServeDoH", "recover", fmt.Sprint(r),
				"method", ch.Request.Method, "remote", ch.Request.RemoteAddr,
				"stack", string(debug.Stack()))
		}
	}()

	ch.Next(ctx)
}

const name = "recovery"
