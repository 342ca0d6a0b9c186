package loadtest

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultTargetURL   = "http://example.com"
	DefaultConcurrency = 1000
	DefaultRequests    = 100000
)

type Config struct {
	// TargetURL is fetched with GET by every request.
	TargetURL string
	// Concurrency bounds the number of requests in flight.
	Concurrency int
	// Requests is the total number of requests to issue.
	Requests int
	// RequestTimeout bounds each request including its body. Zero means no
	// timeout beyond the transport's own.
	RequestTimeout time.Duration
	// Rate paces request issue in requests per second. Zero disables pacing.
	Rate float64
	// ProgressInterval, if positive, logs a progress line at this interval.
	ProgressInterval time.Duration
}

// DefaultConfig returns the stock load shape: 100000 requests, 1000 at a time.
func DefaultConfig() Config {
	return Config{
		TargetURL:   DefaultTargetURL,
		Concurrency: DefaultConcurrency,
		Requests:    DefaultRequests,
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid target url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("invalid target url: missing host")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.Requests < 0 {
		return fmt.Errorf("requests must be >= 0, got %d", c.Requests)
	}
	if c.RequestTimeout < 0 {
		return errors.New("request timeout must be >= 0")
	}
	if c.Rate < 0 {
		return errors.New("rate must be >= 0")
	}
	return nil
}
