package accesslist

import (
	"context"
	"net"
	"net/http"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/middleware"
)

// AccessList type
type AccessList struct {
	ranger cidranger.Ranger
}

// New return accesslist, an empty list allows every client
func New(cfg *config.Config) *AccessList {
	a := new(AccessList)

	if len(cfg.AccessList) == 0 {
		return a
	}

	a.ranger = cidranger.NewPCTrieRanger()
	for _, cidr := range cfg.AccessList {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		_ = a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	return a
}

// Name return middleware name
func (a *AccessList) Name() string { return name }

// ServeDoH implements the Handler interface.
func (a *AccessList) ServeDoH(ctx context.Context, ch *middleware.Chain) {
	if a.ranger == nil {
		ch.Next(ctx)
		return
	}

	ip := ch.RemoteIP()
	if ip == nil {
		ch.CancelWithStatus(http.StatusForbidden)
		return
	}

	allowed, _ := a.ranger.Contains(ip)
	if !allowed {
		zlog.Debug("Client denied by access list", "client", ip.String())
		ch.CancelWithStatus(http.StatusForbidden)
		return
	}

	ch.Next(ctx)
}

const name = "accesslist"
