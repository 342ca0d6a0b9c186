package bindcheck

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksprobe/internal/testutil"
)

var (
	noAuthReply     = []byte{0x05, 0x00}
	bindRequest8080 = []byte{0x05, 0x02, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x1F, 0x90}
)

func bindReply(code byte, addr netip.AddrPort) []byte {
	b := []byte{0x05, code, 0x00, 0x01}
	ip := addr.Addr().As4()
	b = append(b, ip[:]...)
	return binary.BigEndian.AppendUint16(b, addr.Port())
}

// acceptBind reads the negotiation and BIND request a verifier sends and
// answers the negotiation with no-auth. It returns the raw request.
func acceptBind(t *testing.T, c net.Conn) []byte {
	t.Helper()

	neg := make([]byte, 3)
	if _, err := io.ReadFull(c, neg); err != nil {
		t.Errorf("read negotiation: %v", err)
		return nil
	}
	if !bytes.Equal(neg, []byte{0x05, 0x01, 0x00}) {
		t.Errorf("negotiation = % x", neg)
	}
	if _, err := c.Write(noAuthReply); err != nil {
		t.Errorf("write method: %v", err)
		return nil
	}
	req := make([]byte, 10)
	if _, err := io.ReadFull(c, req); err != nil {
		t.Errorf("read request: %v", err)
		return nil
	}
	return req
}

func testConfig(proxy string) Config {
	cfg := DefaultConfig()
	cfg.Proxy = proxy
	cfg.BindPort = 0
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.NegotiationTimeout = 2 * time.Second
	cfg.PeerTimeout = 2 * time.Second
	return cfg
}

func finishedConnector(err error) *Connector {
	c := &Connector{cancel: func() {}, done: make(chan struct{}), err: err}
	close(c.done)
	return c
}

// stubConnector replaces v's external peer with one that does nothing and
// counts how often it was started.
func stubConnector(v *Verifier) *atomic.Int64 {
	var started atomic.Int64
	v.startConnector = func(context.Context, string, []byte) *Connector {
		started.Add(1)
		return finishedConnector(nil)
	}
	return &started
}

func newVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	v, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func assertFailure(t *testing.T, err error, stage Stage, kind error) *Error {
	t.Helper()
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if be.Stage != stage {
		t.Fatalf("stage = %v, want %v (err %v)", be.Stage, stage, err)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("err = %v, want kind %v", err, kind)
	}
	return be
}

func TestVerifierThroughProxy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, tc := range []struct {
		name string
		opts []testutil.ProxyOption
	}{
		{name: "loopback"},
		{name: "wildcard", opts: []testutil.ProxyOption{testutil.WithWildcardBindAddr()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			proxy := testutil.StartSOCKS5Proxy(t, ctx, tc.opts...)

			res, err := newVerifier(t, testConfig(proxy.Addr())).Run(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if string(res.Received) != DefaultPayload {
				t.Fatalf("received %q, want %q", res.Received, DefaultPayload)
			}
			if res.BoundAddr.Port() == 0 {
				t.Fatalf("bound address %v has no port", res.BoundAddr)
			}
			if tc.opts != nil && !res.BoundAddr.Addr().IsUnspecified() {
				t.Fatalf("bound address %v, want wildcard", res.BoundAddr)
			}
			if !res.PeerAddr.Addr().IsLoopback() {
				t.Fatalf("peer address %v, want loopback", res.PeerAddr)
			}
			if proxy.Binds() != 1 {
				t.Fatalf("proxy saw %d binds, want 1", proxy.Binds())
			}
		})
	}
}

func TestVerifierCustomPayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proxy := testutil.StartSOCKS5Proxy(t, ctx)
	cfg := testConfig(proxy.Addr())
	cfg.Payload = "ping"

	res, err := newVerifier(t, cfg).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Received) != "ping" {
		t.Fatalf("received %q", res.Received)
	}
}

var boundAddr = netip.MustParseAddrPort("127.0.0.1:40000")

func TestVerifierRejectedBind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, tc := range []struct {
		name  string
		reply []byte
		code  byte
	}{
		{name: "general_failure", reply: bindReply(0x01, netip.AddrPortFrom(netip.IPv4Unspecified(), 0)), code: 0x01},
		{name: "truncated", reply: []byte{0x05, 0x07, 0x00}, code: 0x07},
		{name: "unknown_address_type", reply: []byte{0x05, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, code: 0x01},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var req []byte
			ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				req = acceptBind(t, c)
				_, _ = c.Write(tc.reply)
			})

			cfg := testConfig(ln.Addr().String())
			cfg.BindPort = 8080
			v := newVerifier(t, cfg)
			started := stubConnector(v)

			_, err := v.Run(ctx)
			be := assertFailure(t, err, StageAwaitFirstBindReply, ErrBindRejected)
			if be.Code != tc.code {
				t.Fatalf("code = %d, want %d", be.Code, tc.code)
			}
			if started.Load() != 0 {
				t.Fatal("external peer started after a rejected bind")
			}

			wait()
			if !bytes.Equal(req, bindRequest8080) {
				t.Fatalf("request = % x, want % x", req, bindRequest8080)
			}
		})
	}
}

func TestVerifierHandshakeFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, tc := range []struct {
		name  string
		reply []byte
	}{
		{name: "no_acceptable_method", reply: []byte{0x05, 0xFF}},
		{name: "user_pass_chosen", reply: []byte{0x05, 0x02}},
		{name: "bad_version", reply: []byte{0x04, 0x00}},
		{name: "closed", reply: nil},
		{name: "short", reply: []byte{0x05}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ln, _ := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				neg := make([]byte, 3)
				if _, err := io.ReadFull(c, neg); err != nil {
					t.Errorf("read negotiation: %v", err)
					return
				}
				_, _ = c.Write(tc.reply)
			})

			v := newVerifier(t, testConfig(ln.Addr().String()))
			started := stubConnector(v)

			_, err := v.Run(ctx)
			assertFailure(t, err, StageAwaitMethodReply, ErrHandshake)
			if started.Load() != 0 {
				t.Fatal("external peer started after a failed handshake")
			}
		})
	}
}

func TestVerifierMalformedFirstReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, tc := range []struct {
		name  string
		reply []byte
	}{
		{name: "bad_version", reply: []byte{0x04, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90}},
		{name: "ipv6", reply: append([]byte{0x05, 0x00, 0x00, 0x04}, make([]byte, 18)...)},
		{name: "truncated", reply: []byte{0x05, 0x00, 0x00, 0x01, 127, 0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ln, _ := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				if acceptBind(t, c) == nil {
					return
				}
				_, _ = c.Write(tc.reply)
			})

			v := newVerifier(t, testConfig(ln.Addr().String()))
			stubConnector(v)

			_, err := v.Run(ctx)
			assertFailure(t, err, StageAwaitFirstBindReply, ErrMalformedReply)
		})
	}
}

func TestVerifierSecondReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer := netip.MustParseAddrPort("127.0.0.1:50000")
	for _, tc := range []struct {
		name  string
		after []byte
		close bool
		stage Stage
		kind  error
		code  byte
	}{
		{name: "rejected", after: bindReply(0x05, peer), stage: StageAwaitSecondBindReply, kind: ErrBindRejected, code: 0x05},
		{name: "never_arrives", stage: StageAwaitSecondBindReply, kind: ErrPeerTimeout},
		{name: "closed", close: true, stage: StageAwaitSecondBindReply, kind: ErrTransport},
		{name: "payload_never_arrives", after: bindReply(0x00, peer), stage: StageRelayReceive, kind: ErrPeerTimeout},
		{name: "payload_differs", after: append(bindReply(0x00, peer), "Hello, SOCKS4 Proxy!"...), stage: StageRelayReceive, kind: ErrRelayMismatch},
		{name: "payload_short", after: append(bindReply(0x00, peer), "Hello"...), close: true, stage: StageRelayReceive, kind: ErrRelayMismatch},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ln, _ := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				if acceptBind(t, c) == nil {
					return
				}
				_, _ = c.Write(bindReply(0x00, boundAddr))
				_, _ = c.Write(tc.after)
				if tc.close {
					return
				}
				_, _ = io.Copy(io.Discard, c)
			})

			cfg := testConfig(ln.Addr().String())
			cfg.PeerTimeout = 200 * time.Millisecond
			v := newVerifier(t, cfg)
			started := stubConnector(v)

			res, err := v.Run(ctx)
			be := assertFailure(t, err, tc.stage, tc.kind)
			if be.Code != tc.code {
				t.Fatalf("code = %d, want %d", be.Code, tc.code)
			}
			if res.BoundAddr != boundAddr {
				t.Fatalf("bound = %v, want %v", res.BoundAddr, boundAddr)
			}
			if started.Load() != 1 {
				t.Fatalf("external peer started %d times, want 1", started.Load())
			}
		})
	}
}

func TestVerifierReportsPeerFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, _ := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if acceptBind(t, c) == nil {
			return
		}
		_, _ = c.Write(bindReply(0x00, boundAddr))
		_, _ = io.Copy(io.Discard, c)
	})

	cfg := testConfig(ln.Addr().String())
	cfg.PeerTimeout = 200 * time.Millisecond
	v := newVerifier(t, cfg)
	peerErr := errors.New("connection refused")
	v.startConnector = func(context.Context, string, []byte) *Connector {
		return finishedConnector(peerErr)
	}

	_, err := v.Run(ctx)
	assertFailure(t, err, StageAwaitSecondBindReply, ErrPeerTimeout)
	if !errors.Is(err, peerErr) {
		t.Fatalf("err = %v, want it to carry the external peer's error", err)
	}
}

func TestVerifierPeerTarget(t *testing.T) {
	v := newVerifier(t, testConfig("socks5://proxy.example:1080"))

	for _, tc := range []struct {
		bound string
		want  string
	}{
		{bound: "10.1.2.3:8080", want: "10.1.2.3:8080"},
		{bound: "0.0.0.0:8080", want: "proxy.example:8080"},
	} {
		if got := v.peerTarget(netip.MustParseAddrPort(tc.bound)); got != tc.want {
			t.Errorf("peerTarget(%s) = %s, want %s", tc.bound, got, tc.want)
		}
	}
}

func TestVerifierConnectError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	v := newVerifier(t, testConfig(addr))
	started := stubConnector(v)

	_, err = v.Run(ctx)
	assertFailure(t, err, StageConnecting, ErrConnect)
	if started.Load() != 0 {
		t.Fatal("external peer started without a proxy connection")
	}
}

func TestVerifierCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, _ := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if acceptBind(t, c) == nil {
			return
		}
		_, _ = c.Write(bindReply(0x00, boundAddr))
		_, _ = io.Copy(io.Discard, c)
	})

	runCtx, runCancel := context.WithCancel(ctx)
	time.AfterFunc(100*time.Millisecond, runCancel)

	cfg := testConfig(ln.Addr().String())
	cfg.PeerTimeout = 0
	v := newVerifier(t, cfg)
	stubConnector(v)

	start := time.Now()
	_, err := v.Run(runCtx)
	assertFailure(t, err, StageAwaitSecondBindReply, context.Canceled)
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("cancel took %v", d)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{name: "no_proxy", cfg: Config{Payload: "x"}},
		{name: "no_payload", cfg: Config{Proxy: "127.0.0.1:1080"}},
		{name: "negative_timeout", cfg: Config{Proxy: "127.0.0.1:1080", Payload: "x", PeerTimeout: -1}},
		{name: "bad_scheme", cfg: Config{Proxy: "http://127.0.0.1:1080", Payload: "x"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, zerolog.Nop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestErrorText(t *testing.T) {
	err := &Error{Stage: StageAwaitFirstBindReply, Kind: ErrBindRejected, Code: 1}
	if got, want := err.Error(), "await first bind reply: bind request rejected (code 1)"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := Stage(42).String(); got != "stage(42)" {
		t.Fatalf("got %q", got)
	}
}
