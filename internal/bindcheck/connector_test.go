package bindcheck

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksprobe/internal/dialer"
	"github.com/die-net/socksprobe/internal/testutil"
)

func TestConnectorSendsPayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []byte
	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		b, err := io.ReadAll(c)
		if err != nil {
			t.Errorf("read: %v", err)
		}
		got = b
	})

	d := dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second})
	c := StartConnector(ctx, d, ln.Addr().String(), []byte("payload"), 10*time.Millisecond, zerolog.Nop())
	if err := c.Wait(); err != nil {
		t.Fatal(err)
	}

	wait()
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestConnectorCancelDuringSettle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := dialer.NewDirectDialer(dialer.Config{})
	c := StartConnector(ctx, d, "127.0.0.1:1", []byte("x"), time.Hour, zerolog.Nop())
	c.Cancel()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connector did not stop after Cancel")
	}
	if err := c.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestConnectorDialError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d := dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second})
	c := StartConnector(ctx, d, addr, []byte("x"), 0, zerolog.Nop())
	if err := c.Wait(); err == nil {
		t.Fatal("expected dial error")
	}
}
