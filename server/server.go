package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	l "log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go/http3"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/middleware"
	"github.com/dohproxy/dohproxy/middleware/accesslist"
	"github.com/dohproxy/dohproxy/middleware/accesslog"
	"github.com/dohproxy/dohproxy/middleware/forwarder"
	"github.com/dohproxy/dohproxy/middleware/metrics"
	"github.com/dohproxy/dohproxy/middleware/ratelimit"
	"github.com/dohproxy/dohproxy/middleware/recovery"
	"github.com/dohproxy/dohproxy/upstream"
)

const shutdownTimeout = 5 * time.Second

// Server type
type Server struct {
	addr     string
	doh3Addr string
	upstream string

	identity *IdentityManager

	readTimeout  time.Duration
	writeTimeout time.Duration

	chainPool sync.Pool
}

// Handlers builds the request chain for cfg, the forwarder is always last.
func Handlers(cfg *config.Config, reg prometheus.Registerer) ([]middleware.Handler, error) {
	up, err := upstream.New(cfg.Upstream, cfg.Timeout.Duration)
	if err != nil {
		return nil, err
	}

	return []middleware.Handler{
		recovery.New(cfg),
		metrics.New(cfg, reg),
		accesslog.New(cfg),
		accesslist.New(cfg),
		ratelimit.New(cfg),
		forwarder.New(up),
	}, nil
}

// New return new server. The TLS identity is loaded here, so a missing or
// unreadable identity fails before anything is bound.
func New(cfg *config.Config, handlers []middleware.Handler) (*Server, error) {
	server := &Server{
		addr:         cfg.Listen,
		doh3Addr:     cfg.BindDOH3,
		upstream:     cfg.Upstream,
		readTimeout:  cfg.ReadTimeout.Duration,
		writeTimeout: cfg.WriteTimeout.Duration,
	}

	if cfg.TLSEnabled() {
		if cfg.Identity == "" {
			return nil, config.ErrIdentityRequired
		}

		identity, err := NewIdentityManager(cfg.Identity, cfg.Password)
		if err != nil {
			return nil, err
		}

		if cfg.TLSReload {
			if err := identity.Watch(); err != nil {
				return nil, err
			}
		}

		server.identity = identity
	} else {
		zlog.Warn("HTTPS disabled, DoH queries are accepted over plain HTTP")
	}

	server.chainPool.New = func() any {
		return middleware.NewChain(handlers)
	}

	return server, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)

	ch.Next(r.Context())

	ch.Reset(nil, nil)
	s.chainPool.Put(ch)
}

// Run listen the services until ctx is done
func (s *Server) Run(ctx context.Context) error {
	if s.identity != nil {
		defer s.identity.Stop()
	}

	ln, err := s.Listen()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Serve(ctx, ln)
	})

	if s.doh3Addr != "" {
		if s.identity == nil {
			zlog.Warn("DoH3 requires HTTPS, listener skipped", "addr", s.doh3Addr)
		} else {
			g.Go(func() error {
				return s.ListenAndServeHTTP3(ctx)
			})
		}
	}

	return g.Wait()
}

// Listen binds the DoH address, wrapping accepted connections in TLS when enabled.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	if s.identity == nil {
		return ln, nil
	}

	return tls.NewListener(ln, s.identity.TLSConfig()), nil
}

// Serve accepts DoH connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	scheme := "http"
	if s.identity != nil {
		scheme = "https"
	}

	zlog.Info("DoH server listening...", "net", scheme, "addr", ln.Addr().String(), "upstream", s.upstream)

	logReader, logWriter := io.Pipe()
	go readlogs(logReader)
	defer logWriter.Close()

	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		ErrorLog:     l.New(logWriter, "", 0),
	}

	if s.identity != nil {
		srv.TLSConfig = s.identity.TLSConfig()
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			return fmt.Errorf("failed to configure http2: %w", err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			zlog.Error("DoH server shutdown failed", "addr", ln.Addr().String(), "error", err.Error())
		}
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlog.Error("DoH listener failed", "net", scheme, "addr", ln.Addr().String(), "error", err.Error())
		return err
	}

	return nil
}

// ListenAndServeHTTP3 serves DoH over QUIC with the same identity until ctx is done.
func (s *Server) ListenAndServeHTTP3(ctx context.Context) error {
	zlog.Info("DoH server listening...", "net", "h3", "addr", s.doh3Addr)

	srv := &http3.Server{
		Addr:      s.doh3Addr,
		Handler:   s,
		TLSConfig: http3.ConfigureTLSConfig(s.identity.TLSConfig()),
	}

	stop := context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && ctx.Err() == nil && !errors.Is(err, http.ErrServerClosed) {
		zlog.Error("DoH3 listener failed", "net", "h3", "addr", s.doh3Addr, "error", err.Error())
		return err
	}

	return nil
}

// readlogs turns net/http error log lines, TLS handshake failures included,
// into structured log records.
func readlogs(rd io.Reader) {
	buf := bufio.NewReader(rd)
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			return
		}

		parts := strings.SplitN(strings.TrimSuffix(line, "\n"), " ", 2)
		if len(parts) > 1 {
			zlog.Error("Client http socket failed", "net", "https", "error", parts[1])
		}
	}
}
