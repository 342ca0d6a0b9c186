package loadtest

import (
	"sync/atomic"
	"time"
)

// FetchResult is the outcome of one request. Err is set only for transport
// and protocol failures; any HTTP status counts as a completed request.
type FetchResult struct {
	Status  int
	Bytes   int64
	Latency time.Duration
	Err     error
}

// Stats summarizes a run.
type Stats struct {
	// Requests is the configured request count.
	Requests int
	// Issued is how many requests were started. It is less than Requests
	// only when the run was cancelled.
	Issued    int
	Succeeded int
	Failed    int
	Bytes     int64
	Elapsed   time.Duration

	// MeanLatency and MaxLatency cover successful requests only.
	MeanLatency time.Duration
	MaxLatency  time.Duration

	// MaxInFlight is the highest number of requests observed in flight at
	// once. It never exceeds the configured concurrency.
	MaxInFlight int

	StatusCodes map[int]int

	// FirstError is the first failure in issue order, if any.
	FirstError error
}

// RequestsPerSecond is completed requests over wall time.
func (s Stats) RequestsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Succeeded) / s.Elapsed.Seconds()
}

func aggregate(requests int, results []FetchResult, elapsed time.Duration, maxInFlight int) Stats {
	s := Stats{
		Requests:    requests,
		Issued:      len(results),
		Elapsed:     elapsed,
		MaxInFlight: maxInFlight,
		StatusCodes: make(map[int]int),
	}

	var total time.Duration
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
			if s.FirstError == nil {
				s.FirstError = r.Err
			}
			continue
		}
		s.Succeeded++
		s.Bytes += r.Bytes
		s.StatusCodes[r.Status]++
		total += r.Latency
		s.MaxLatency = max(s.MaxLatency, r.Latency)
	}
	if s.Succeeded > 0 {
		s.MeanLatency = total / time.Duration(s.Succeeded)
	}
	return s
}

// gauge tracks a current value and its high-water mark.
type gauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *gauge) inc() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) dec() {
	g.cur.Add(-1)
}
