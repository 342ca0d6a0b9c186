package bindcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksprobe/internal/dialer"
	"github.com/die-net/socksprobe/internal/socks5"
)

// Result describes a passed verification.
type Result struct {
	// Proxy is the proxy endpoint that was exercised.
	Proxy string
	// BoundAddr is the address from the first BIND reply.
	BoundAddr netip.AddrPort
	// PeerAddr is the address from the second BIND reply.
	PeerAddr netip.AddrPort
	// Received is what arrived on the proxy connection after the second
	// reply, up to the payload length.
	Received []byte
	Elapsed  time.Duration
}

// Verifier runs a single BIND verification per Run call.
type Verifier struct {
	cfg      Config
	endpoint dialer.Endpoint
	dialer   dialer.Dialer
	log      zerolog.Logger

	startConnector func(ctx context.Context, addr string, payload []byte) *Connector
}

func New(cfg Config, log zerolog.Logger) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ep, err := dialer.ParseEndpoint(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy: %w", err)
	}

	v := &Verifier{
		cfg:      cfg,
		endpoint: ep,
		dialer:   dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.DialTimeout}),
		log:      log.With().Str("component", "bindcheck").Str("proxy", ep.String()).Logger(),
	}
	v.startConnector = func(ctx context.Context, addr string, payload []byte) *Connector {
		return StartConnector(ctx, v.dialer, addr, payload, cfg.SettleDelay, v.log)
	}
	return v, nil
}

// Run performs the BIND exchange. On failure the error is an *Error naming
// the stage that failed; the returned Result holds whatever was learned
// before that.
func (v *Verifier) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{Proxy: v.endpoint.String()}

	v.enter(StageConnecting)
	conn, err := v.dialer.DialContext(ctx, "tcp", v.endpoint.String())
	if err != nil {
		return res, v.fail(ctx, StageConnecting, ErrConnect, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	setDeadline(ctx, conn, v.cfg.NegotiationTimeout)

	v.enter(StageNegotiating)
	if err := socks5.WriteNegotiation(conn); err != nil {
		return res, v.fail(ctx, StageNegotiating, ErrHandshake, err)
	}
	v.enter(StageAwaitMethodReply)
	if err := socks5.ReadNegotiationReply(conn); err != nil {
		return res, v.fail(ctx, StageAwaitMethodReply, ErrHandshake, err)
	}

	v.enter(StageSendBindRequest)
	if err := socks5.WriteBindRequest(conn, v.cfg.BindPort); err != nil {
		return res, v.fail(ctx, StageSendBindRequest, ErrTransport, err)
	}

	v.enter(StageAwaitFirstBindReply)
	first, err := socks5.ReadBindReply(conn)
	if err != nil {
		return res, v.replyFailure(ctx, StageAwaitFirstBindReply, err)
	}
	res.BoundAddr = first.Addr
	v.log.Info().Stringer("bound", first.Addr).Msg("proxy bound")

	setDeadline(ctx, conn, v.cfg.PeerTimeout)

	v.enter(StageWaitForPeerConnection)
	payload := []byte(v.cfg.Payload)
	peer := v.startConnector(ctx, v.peerTarget(first.Addr), payload)
	defer func() {
		peer.Cancel()
		_ = peer.Wait()
	}()

	v.enter(StageAwaitSecondBindReply)
	second, err := socks5.ReadBindReply(conn)
	if err != nil {
		return res, v.replyFailure(ctx, StageAwaitSecondBindReply, errors.Join(err, peerError(peer)))
	}
	res.PeerAddr = second.Addr
	v.log.Info().Stringer("peer", second.Addr).Msg("connection received through proxy")

	v.enter(StageRelayReceive)
	buf := make([]byte, len(payload))
	n, err := io.ReadFull(conn, buf)
	res.Received = buf[:n]
	switch {
	case err != nil && isTimeout(err):
		return res, v.fail(ctx, StageRelayReceive, ErrPeerTimeout, errors.Join(err, peerError(peer)))
	case err != nil:
		return res, v.fail(ctx, StageRelayReceive, ErrRelayMismatch,
			errors.Join(fmt.Errorf("got %q want %q: %w", res.Received, payload, err), peerError(peer)))
	case !bytes.Equal(buf, payload):
		return res, v.fail(ctx, StageRelayReceive, ErrRelayMismatch, fmt.Errorf("got %q want %q", res.Received, payload))
	}
	v.log.Info().Str("message", string(res.Received)).Msg("payload relayed")

	_ = conn.Close()
	v.enter(StageClosed)
	if err := peer.Wait(); err != nil {
		v.log.Warn().Err(err).Msg("external peer finished with error after relaying payload")
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

func (v *Verifier) enter(s Stage) {
	v.log.Debug().Stringer("stage", s).Msg("bind stage")
}

// peerTarget is where the external peer connects. Proxies listening on all
// interfaces report 0.0.0.0, which is reached through the proxy's own host.
func (v *Verifier) peerTarget(bound netip.AddrPort) string {
	if bound.Addr().IsUnspecified() {
		return net.JoinHostPort(v.endpoint.Host, strconv.Itoa(int(bound.Port())))
	}
	return bound.String()
}

func (v *Verifier) replyFailure(ctx context.Context, stage Stage, err error) error {
	var re *socks5.ReplyError
	switch {
	case errors.As(err, &re):
		e := v.fail(ctx, stage, ErrBindRejected, err)
		e.Code = re.Code
		return e
	case errors.Is(err, socks5.ErrMalformedReply):
		return v.fail(ctx, stage, ErrMalformedReply, err)
	case stage == StageAwaitSecondBindReply && isTimeout(err):
		return v.fail(ctx, stage, ErrPeerTimeout, err)
	default:
		return v.fail(ctx, stage, ErrTransport, err)
	}
}

func (v *Verifier) fail(ctx context.Context, stage Stage, kind, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind = ctxErr
	}
	e := &Error{Stage: stage, Kind: kind, Err: err}
	v.log.Debug().Err(e).Stringer("stage", stage).Msg("bind verification failed")
	return e
}

// setDeadline bounds conn's next operations by d, or clears the bound when d
// is zero. A deadline set by ctx's cancellation is never overwritten.
func setDeadline(ctx context.Context, conn net.Conn, d time.Duration) {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	_ = conn.SetDeadline(t)
	if ctx.Err() != nil {
		_ = conn.SetDeadline(time.Now())
	}
}

// peerError returns the connector's error if it already finished, without
// waiting for it.
func peerError(c *Connector) error {
	select {
	case <-c.Done():
		return c.Wait()
	default:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
