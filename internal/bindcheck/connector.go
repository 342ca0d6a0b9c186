package bindcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksprobe/internal/dialer"
)

// Connector is the external peer of a BIND exchange. It runs on its own
// goroutine with its own connection and never touches the proxy connection.
type Connector struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StartConnector waits settle, connects to addr, writes payload and closes.
// It returns immediately; use Wait to join it and Cancel to abandon it.
func StartConnector(ctx context.Context, d dialer.Dialer, addr string, payload []byte, settle time.Duration, log zerolog.Logger) *Connector {
	ctx, cancel := context.WithCancel(ctx)
	c := &Connector{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		defer cancel()
		c.err = connectAndSend(ctx, d, addr, payload, settle, log)
	}()
	return c
}

// Cancel aborts the connector if it has not finished. It does not wait.
func (c *Connector) Cancel() {
	c.cancel()
}

// Wait blocks until the connector finishes and returns its error.
func (c *Connector) Wait() error {
	<-c.done
	return c.err
}

// Done is closed when the connector finishes.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

func connectAndSend(ctx context.Context, d dialer.Dialer, addr string, payload []byte, settle time.Duration, log zerolog.Logger) error {
	if settle > 0 {
		t := time.NewTimer(settle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Debug().Str("addr", addr).Msg("external peer connecting")
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("external peer: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("external peer send: %w", err)
	}
	log.Debug().Int("bytes", len(payload)).Msg("external peer sent payload")
	return nil
}
