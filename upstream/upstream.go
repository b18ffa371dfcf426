// Package upstream implements the single datagram exchange with the upstream
// DNS resolver.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// MaxAnswerSize is the largest datagram read back from the upstream.
const MaxAnswerSize = 4096

// ErrNoAnswer is returned when the exchange produced no usable datagram.
var ErrNoAnswer = errors.New("no answer from upstream")

// Client sends raw DNS queries to one upstream resolver over UDP.
type Client struct {
	network string
	local   *net.UDPAddr
	remote  *net.UDPAddr
	timeout time.Duration
}

// New return new client for the upstream address, given as ip:port.
// A zero timeout waits for the reply forever.
func New(addr string, timeout time.Duration) (*Client, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream address %q: %w", addr, err)
	}

	c := &Client{
		remote:  net.UDPAddrFromAddrPort(ap),
		timeout: timeout,
	}

	if ap.Addr().Unmap().Is4() {
		c.network = "udp4"
		c.local = &net.UDPAddr{IP: net.IPv4zero}
	} else {
		c.network = "udp6"
		c.local = &net.UDPAddr{IP: net.IPv6unspecified}
	}

	if ap.Addr().Is4In6() {
		c.remote = net.UDPAddrFromAddrPort(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
	}

	return c, nil
}

// Addr returns the upstream address.
func (c *Client) Addr() string { return c.remote.String() }

// LocalAddr returns the wildcard address sockets are bound to.
func (c *Client) LocalAddr() string { return c.local.String() }

// Exchange sends query in one datagram and returns the first reply datagram.
// Every failure wraps ErrNoAnswer.
func (c *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := net.DialUDP(c.network, c.local, c.remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, err)
	}

	buf := make([]byte, MaxAnswerSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoAnswer, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, err)
	}

	return buf[:n], nil
}
