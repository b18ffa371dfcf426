package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/middleware"
)

// startUpstream runs a UDP DNS server answering every A query with one record.
func startUpstream(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
			A:   net.IPv4(192, 0, 2, 1),
		}}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func testConfig(t *testing.T, upstreamAddr string) *config.Config {
	cfg := config.Default("0.0.0")
	cfg.Server = true
	cfg.Listen = "127.0.0.1:0"
	cfg.Upstream = upstreamAddr
	cfg.NoTLS = true
	cfg.Timeout = config.Duration{Duration: 2 * time.Second}

	return cfg
}

// startServer starts s on a random port and returns its address.
func startServer(t *testing.T, s *Server) string {
	t.Helper()

	ln, err := s.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})

	return ln.Addr().String()
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	handlers, err := Handlers(cfg, prometheus.NewRegistry())
	require.NoError(t, err)

	s, err := New(cfg, handlers)
	require.NoError(t, err)

	return s
}

func dohQuery(t *testing.T) string {
	req := new(dns.Msg)
	req.SetQuestion("www.example.com.", dns.TypeA)
	req.RecursionDesired = true

	data, err := req.Pack()
	require.NoError(t, err)

	return "/dns-query?dns=" + base64.RawURLEncoding.EncodeToString(data)
}

func assertAnswer(t *testing.T, resp *http.Response) {
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "max-age=120", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(body))
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "www.example.com.", msg.Answer[0].Header().Name)
}

func Test_ServerPlainHTTP(t *testing.T) {
	cfg := testConfig(t, startUpstream(t))
	addr := startServer(t, newServer(t, cfg))

	resp, err := http.Get("http://" + addr + dohQuery(t))
	require.NoError(t, err)
	assertAnswer(t, resp)

	resp, err = http.Get("http://" + addr + "/resolve")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, "http://"+addr+"/dns-query", strings.NewReader("x"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func Test_ServerUpstreamTimeout(t *testing.T) {
	// bound but never answering
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	cfg := testConfig(t, pc.LocalAddr().String())
	cfg.Timeout = config.Duration{Duration: 100 * time.Millisecond}
	addr := startServer(t, newServer(t, cfg))

	resp, err := http.Get("http://" + addr + dohQuery(t))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, body)
}

func Test_ServerTLS(t *testing.T) {
	identity := filepath.Join(t.TempDir(), "server.p12")
	writeTestIdentity(t, identity, "localhost")

	cfg := testConfig(t, startUpstream(t))
	cfg.NoTLS = false
	cfg.Identity = identity
	cfg.Password = testPassword

	addr := startServer(t, newServer(t, cfg))

	// a failed handshake only drops that connection
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, _ = conn.Write([]byte("this is not a tls client hello\r\n\r\n"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = io.ReadAll(conn)
	conn.Close()

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			ForceAttemptHTTP2: true,
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("https://" + addr + dohQuery(t))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ProtoMajor)
	assertAnswer(t, resp)

	// plain http on the tls port is refused
	resp, err = http.Get("http://" + addr + dohQuery(t))
	if err == nil {
		resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	}

	resp, err = client.Get("https://" + addr + dohQuery(t))
	require.NoError(t, err)
	assertAnswer(t, resp)
}

func Test_ServerTLSHTTP1(t *testing.T) {
	identity := filepath.Join(t.TempDir(), "server.p12")
	writeTestIdentity(t, identity, "localhost")

	cfg := testConfig(t, startUpstream(t))
	cfg.NoTLS = false
	cfg.Identity = identity
	cfg.Password = testPassword

	addr := startServer(t, newServer(t, cfg))

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"http/1.1"}},
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("https://" + addr + dohQuery(t))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ProtoMajor)
	assertAnswer(t, resp)
}

func Test_ServerIdentityErrors(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:53")
	cfg.NoTLS = false

	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, config.ErrIdentityRequired)

	cfg.Identity = filepath.Join(t.TempDir(), "missing.p12")
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.Identity = filepath.Join(t.TempDir(), "server.p12")
	writeTestIdentity(t, cfg.Identity, "localhost")
	cfg.Password = "wrong"
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.Password = testPassword
	cfg.TLSReload = true
	s, err := New(cfg, nil)
	require.NoError(t, err)
	s.identity.Stop()
}

func Test_ServerHandlersError(t *testing.T) {
	cfg := testConfig(t, "not-an-address")

	_, err := Handlers(cfg, prometheus.NewRegistry())
	assert.Error(t, err)
}

func Test_ServerListenError(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:53")
	cfg.Listen = "127.0.0.1:-1"

	s, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = s.Listen()
	assert.Error(t, err)

	assert.Error(t, s.Run(context.Background()))
}

func Test_ServerRun(t *testing.T) {
	cfg := testConfig(t, startUpstream(t))
	cfg.BindDOH3 = "127.0.0.1:0"

	s := newServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func Test_ServeHTTPChain(t *testing.T) {
	var order []string

	handlers := []middleware.Handler{
		recorder{name: "first", order: &order},
		recorder{name: "second", order: &order},
	}

	s, err := New(testConfig(t, "127.0.0.1:53"), handlers)
	require.NoError(t, err)

	addr := startServer(t, s)

	for i := 0; i < 2; i++ {
		resp, err := http.Get("http://" + addr + "/dns-query")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	assert.Equal(t, []string{"first", "second", "first", "second"}, order)
}

type recorder struct {
	name  string
	order *[]string
}

func (r recorder) Name() string { return r.name }

func (r recorder) ServeDoH(ctx context.Context, ch *middleware.Chain) {
	*r.order = append(*r.order, r.name)

	if r.name == "second" {
		ch.CancelWithStatus(http.StatusNoContent)
		return
	}

	ch.Next(ctx)
}

func Test_logPipe(t *testing.T) {
	logReader, logWriter := io.Pipe()

	done := make(chan struct{})
	go func() {
		readlogs(logReader)
		close(done)
	}()

	_, _ = logWriter.Write([]byte("http: TLS handshake error from 127.0.0.1:1234: EOF\n"))
	_, _ = logWriter.Write([]byte("single\n"))
	logWriter.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readlogs did not return")
	}
}
