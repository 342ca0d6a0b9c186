package testutil

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func tcpPair(t *testing.T, ctx context.Context) (client, server net.Conn) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	d := net.Dialer{}
	client, err = d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, err = ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestRelayPropagatesHalfClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, left := tcpPair(t, ctx)
	right, b := tcpPair(t, ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		relay(ctx, left, right)
	}()

	if _, err := a.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	_ = a.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Fatalf("right side got %q", got)
	}

	if _, err := b.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	_ = b.(*net.TCPConn).CloseWrite()

	got, err = io.ReadAll(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong" {
		t.Fatalf("left side got %q", got)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not return after both sides closed")
	}
}

func TestRelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, left := tcpPair(t, ctx)
	right, _ := tcpPair(t, ctx)

	relayCtx, relayCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay(relayCtx, left, right)
	}()

	relayCancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not return after cancel")
	}
}
