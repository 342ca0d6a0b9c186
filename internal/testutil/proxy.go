package testutil

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksprobe/internal/socks5"
)

// SOCKS5Proxy is a minimal in-process SOCKS5 proxy supporting no-auth
// CONNECT and two-phase BIND, for exercising clients end to end.
type SOCKS5Proxy struct {
	ln             net.Listener
	ctx            context.Context
	reportWildcard bool

	connects atomic.Int64
	binds    atomic.Int64
	wg       sync.WaitGroup
}

// ProxyOption customizes a SOCKS5Proxy.
type ProxyOption func(*SOCKS5Proxy)

// WithWildcardBindAddr makes the first BIND reply report 0.0.0.0 instead of
// the listener's loopback address, like proxies listening on all interfaces.
func WithWildcardBindAddr() ProxyOption {
	return func(p *SOCKS5Proxy) {
		p.reportWildcard = true
	}
}

// StartSOCKS5Proxy listens on 127.0.0.1 and serves until ctx is done or the
// test finishes.
func StartSOCKS5Proxy(t *testing.T, ctx context.Context, opts ...ProxyOption) *SOCKS5Proxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &SOCKS5Proxy{ln: ln, ctx: ctx}
	for _, o := range opts {
		o(p)
	}

	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	t.Cleanup(func() {
		cancel()
		p.wg.Wait()
	})

	p.wg.Go(p.serve)
	return p
}

// Addr returns the proxy's host:port.
func (p *SOCKS5Proxy) Addr() string {
	return p.ln.Addr().String()
}

// Connects returns how many CONNECT requests were accepted.
func (p *SOCKS5Proxy) Connects() int64 {
	return p.connects.Load()
}

// Binds returns how many BIND requests were accepted.
func (p *SOCKS5Proxy) Binds() int64 {
	return p.binds.Load()
}

func (p *SOCKS5Proxy) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.wg.Go(func() {
			p.handle(c)
		})
	}
}

func (p *SOCKS5Proxy) handle(c net.Conn) {
	stop := context.AfterFunc(p.ctx, func() {
		_ = c.Close()
	})
	defer stop()
	defer c.Close()

	if err := socks5.ServerNegotiate(c); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}

	switch req.Cmd {
	case socks5.CmdConnect:
		p.connects.Add(1)
		d := net.Dialer{}
		dst, err := d.DialContext(p.ctx, "tcp", req.Address())
		if err != nil {
			_ = socks5.WriteReply(c, socks5.RepConnectionRefused)
			return
		}
		if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
			_ = dst.Close()
			return
		}
		relay(p.ctx, c, dst)

	case socks5.CmdBind:
		p.binds.Add(1)
		port := binary.BigEndian.Uint16(req.DstPort)
		lc := net.ListenConfig{}
		bln, err := lc.Listen(p.ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
		if err != nil {
			_ = socks5.WriteReply(c, socks5.RepServerFailure)
			return
		}
		stopLn := context.AfterFunc(p.ctx, func() {
			_ = bln.Close()
		})
		defer stopLn()

		bound := bln.Addr()
		if p.reportWildcard {
			bound = &net.TCPAddr{IP: net.IPv4zero, Port: bln.Addr().(*net.TCPAddr).Port}
		}
		if err := socks5.WriteSuccessReply(c, bound); err != nil {
			_ = bln.Close()
			return
		}

		peer, err := bln.Accept()
		_ = bln.Close()
		if err != nil {
			_ = socks5.WriteReply(c, socks5.RepServerFailure)
			return
		}
		if err := socks5.WriteSuccessReply(c, peer.RemoteAddr()); err != nil {
			_ = peer.Close()
			return
		}
		relay(p.ctx, c, peer)

	default:
		_ = socks5.WriteReply(c, socks5.RepCommandNotSupported)
	}
}

// relay copies between left and right until both directions hit EOF,
// propagating each EOF as a half-close. Both conns are closed on return.
func relay(ctx context.Context, left, right net.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = left.Close()
		_ = right.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(left, right)
		closeWrite(left)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(right, left)
		closeWrite(right)
		return err
	})
	_ = g.Wait()

	_ = left.Close()
	_ = right.Close()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
