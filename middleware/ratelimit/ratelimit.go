package ratelimit

import (
	"context"
	"net"
	"net/http"

	"github.com/cespare/xxhash/v2"

	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/middleware"
)

// RateLimit type
type RateLimit struct {
	store *LimiterStore
	rate  int
}

// New return ratelimit
func New(cfg *config.Config) *RateLimit {
	return &RateLimit{
		store: NewLimiterStore(storeSize, cfg.ClientRateLimit),
		rate:  cfg.ClientRateLimit,
	}
}

// Name return middleware name
func (r *RateLimit) Name() string { return name }

// ServeDoH implements the Handler interface.
func (r *RateLimit) ServeDoH(ctx context.Context, ch *middleware.Chain) {
	if r.rate == 0 {
		ch.Next(ctx)
		return
	}

	ip := ch.RemoteIP()
	if ip == nil || ip.IsLoopback() {
		ch.Next(ctx)
		return
	}

	if !r.store.Get(key(ip)).Allow() {
		ch.CancelWithStatus(http.StatusTooManyRequests)
		return
	}

	ch.Next(ctx)
}

func key(ip net.IP) uint64 {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}

	return xxhash.Sum64(ip)
}

const (
	storeSize = 256 * 100

	name = "ratelimit"
)
