package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/socksprobe/internal/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy
// using the CONNECT command.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	direct    Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, direct: NewDirectDialer(cfg)}
}

// ProxyAddr returns the proxy host:port.
func (f *SOCKS5ProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext connects to the proxy and asks it to CONNECT to address.
//
// If NegotiationTimeout is set, a deadline is applied during negotiation and
// cleared before returning. Cancelling ctx during negotiation aborts it.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.negotiate(ctx, func(c net.Conn) error {
		return socks5.ClientDial(c, address)
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	return c, nil
}

// ProbeContext connects to the proxy and completes method negotiation only.
func (f *SOCKS5ProxyDialer) ProbeContext(ctx context.Context) error {
	c, err := f.negotiate(ctx, socks5.ClientNegotiate)
	if err != nil {
		return fmt.Errorf("socks5 proxy probe %s: %w", f.proxyAddr, err)
	}
	return c.Close()
}

func (f *SOCKS5ProxyDialer) negotiate(ctx context.Context, handshake func(net.Conn) error) (net.Conn, error) {
	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, err
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})

	err = handshake(c)
	if !stop() || err != nil {
		_ = c.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}
