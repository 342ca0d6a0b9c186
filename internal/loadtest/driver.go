package loadtest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/socksprobe/internal/dialer"
)

// Driver issues proxied GET requests with bounded concurrency.
type Driver struct {
	cfg    Config
	dialer dialer.Dialer
	log    zerolog.Logger
	bufs   *bufferPool

	// newBallast allocates the GC ballast held while Run executes.
	newBallast func(size int) []byte

	// afterRun, if set, sees the run's admission gate once all requests
	// have finished.
	afterRun func(gate *semaphore.Weighted)
}

// New returns a Driver that reaches the target through d.
func New(cfg Config, d dialer.Dialer, log zerolog.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("loadtest: nil dialer")
	}
	return &Driver{
		cfg:    cfg,
		dialer: d,
		log:    log.With().Str("component", "loadtest").Logger(),
		bufs:   newBufferPool(drainBufSize),

		newBallast: newBallast,
	}, nil
}

// Run issues cfg.Requests requests and waits for all of them.
//
// Every run builds a fresh client and admission gate. If the dialer can probe
// its proxy and the probe fails, Run returns an error before issuing anything.
// Cancelling ctx stops issuing new requests; requests already in flight run to
// completion and the partial Stats are returned with ctx's error.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	if p, ok := d.dialer.(dialer.Prober); ok {
		if err := p.ProbeContext(ctx); err != nil {
			return Stats{Requests: d.cfg.Requests}, fmt.Errorf("session setup: %w", err)
		}
	}

	ballast := d.newBallast(ballastSize)
	defer runtime.KeepAlive(ballast)

	client, transport := d.newClient()
	defer transport.CloseIdleConnections()

	gate := semaphore.NewWeighted(int64(d.cfg.Concurrency))

	var bucket *ratelimit.Bucket
	if d.cfg.Rate > 0 {
		bucket = ratelimit.NewBucketWithRate(d.cfg.Rate, 1)
	}

	// In-flight requests are not cancelled with the run.
	fetchCtx := context.WithoutCancel(ctx)

	var (
		g        errgroup.Group
		inFlight gauge
		done     atomic.Int64
		results  = make([]FetchResult, d.cfg.Requests)
		issued   int
		runErr   error
	)

	stopProgress := d.reportProgress(&done)
	defer stopProgress()

	d.log.Info().
		Str("target", d.cfg.TargetURL).
		Int("requests", d.cfg.Requests).
		Int("concurrency", d.cfg.Concurrency).
		Msg("starting load run")

	start := time.Now()
	for i := range results {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if bucket != nil {
			if err := waitToken(ctx, bucket); err != nil {
				runErr = err
				break
			}
		}
		if err := gate.Acquire(ctx, 1); err != nil {
			runErr = err
			break
		}
		issued++

		g.Go(func() error {
			defer gate.Release(1)
			inFlight.inc()
			defer inFlight.dec()

			results[i] = d.fetch(fetchCtx, client)
			done.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	if d.afterRun != nil {
		d.afterRun(gate)
	}

	return aggregate(d.cfg.Requests, results[:issued], elapsed, int(inFlight.peak.Load())), runErr
}

func (d *Driver) fetch(ctx context.Context, client *http.Client) FetchResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.TargetURL, nil)
	if err != nil {
		return FetchResult{Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		d.log.Debug().Err(err).Msg("request failed")
		return FetchResult{Latency: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	buf := d.bufs.Get()
	defer d.bufs.Put(buf)
	n, err := drain(resp.Body, buf)
	if err != nil {
		d.log.Debug().Err(err).Int("status", resp.StatusCode).Msg("reading response body failed")
		return FetchResult{Status: resp.StatusCode, Bytes: n, Latency: time.Since(start), Err: fmt.Errorf("read body: %w", err)}
	}
	return FetchResult{Status: resp.StatusCode, Bytes: n, Latency: time.Since(start)}
}

// newClient builds the run's shared client. The transport's per-host limits
// match the admission gate so idle connections to the proxy are reused rather
// than re-dialed.
func (d *Driver) newClient() (*http.Client, *http.Transport) {
	t := &http.Transport{
		DialContext:         d.dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        d.cfg.Concurrency,
		MaxIdleConnsPerHost: d.cfg.Concurrency,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
	return &http.Client{Transport: t, Timeout: d.cfg.RequestTimeout}, t
}

func (d *Driver) reportProgress(done *atomic.Int64) (stop func()) {
	if d.cfg.ProgressInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(d.cfg.ProgressInterval)
	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-ticker.C:
				d.log.Info().Int64("completed", done.Load()).Int("requests", d.cfg.Requests).Msg("progress")
			case <-quit:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(quit)
		<-finished
	}
}

// drain reads r to EOF into buf. io.Copy to io.Discard would ignore buf and
// use its own pool.
func drain(r io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		n, err := r.Read(buf)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func waitToken(ctx context.Context, b *ratelimit.Bucket) error {
	wait := b.Take(1)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
