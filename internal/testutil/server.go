package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartSingleAcceptServer accepts one connection and hands it to handler,
// which scripts a misbehaving or minimal proxy byte by byte. The returned wait
// func closes the listener and blocks until handler returns; it also runs at
// test cleanup.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	var once sync.Once
	wait := func() {
		once.Do(func() {
			_ = ln.Close()
			wg.Wait()
		})
	}
	t.Cleanup(wait)

	return ln, wait
}
