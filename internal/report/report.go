// Package report renders run outcomes as log lines or as a JSON document.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksprobe/internal/bindcheck"
	"github.com/die-net/socksprobe/internal/loadtest"
)

type LoadSummary struct {
	Target            string         `json:"target"`
	Proxy             string         `json:"proxy"`
	Requests          int            `json:"requests"`
	Issued            int            `json:"issued"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	Bytes             int64          `json:"bytes"`
	ElapsedMS         int64          `json:"elapsed_ms"`
	RequestsPerSecond float64        `json:"requests_per_second"`
	MeanLatencyMS     float64        `json:"mean_latency_ms"`
	MaxLatencyMS      float64        `json:"max_latency_ms"`
	MaxInFlight       int            `json:"max_in_flight"`
	StatusCodes       map[string]int `json:"status_codes,omitempty"`
	FirstError        string         `json:"first_error,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// Load builds the summary of a load run. runErr is the error Run returned.
func Load(target, proxy string, s loadtest.Stats, runErr error) LoadSummary {
	ls := LoadSummary{
		Target:            target,
		Proxy:             proxy,
		Requests:          s.Requests,
		Issued:            s.Issued,
		Succeeded:         s.Succeeded,
		Failed:            s.Failed,
		Bytes:             s.Bytes,
		ElapsedMS:         s.Elapsed.Milliseconds(),
		RequestsPerSecond: s.RequestsPerSecond(),
		MeanLatencyMS:     ms(s.MeanLatency),
		MaxLatencyMS:      ms(s.MaxLatency),
		MaxInFlight:       s.MaxInFlight,
		FirstError:        errString(s.FirstError),
		Error:             errString(runErr),
	}
	if len(s.StatusCodes) > 0 {
		ls.StatusCodes = make(map[string]int, len(s.StatusCodes))
		for code, n := range s.StatusCodes {
			ls.StatusCodes[strconv.Itoa(code)] = n
		}
	}
	return ls
}

// Log writes the summary as one info line, or an error line when the run
// did not complete.
func (ls LoadSummary) Log(log zerolog.Logger) {
	ev := log.Info()
	if ls.Error != "" {
		ev = log.Error().Str("error", ls.Error)
	}
	ev = ev.
		Str("target", ls.Target).
		Int("issued", ls.Issued).
		Int("succeeded", ls.Succeeded).
		Int("failed", ls.Failed).
		Int64("bytes", ls.Bytes).
		Str("elapsed", (time.Duration(ls.ElapsedMS) * time.Millisecond).String()).
		Str("rps", strconv.FormatFloat(ls.RequestsPerSecond, 'f', 1, 64)).
		Str("mean_latency", fmt.Sprintf("%.1fms", ls.MeanLatencyMS)).
		Str("max_latency", fmt.Sprintf("%.1fms", ls.MaxLatencyMS)).
		Int("max_in_flight", ls.MaxInFlight)
	for _, code := range slices.Sorted(maps.Keys(ls.StatusCodes)) {
		ev = ev.Int("status_"+code, ls.StatusCodes[code])
	}
	if ls.FirstError != "" {
		ev = ev.Str("first_error", ls.FirstError)
	}
	ev.Msgf("%d requests completed", ls.Succeeded)
}

type BindSummary struct {
	Proxy     string `json:"proxy"`
	Passed    bool   `json:"passed"`
	BoundAddr string `json:"bound_addr,omitempty"`
	PeerAddr  string `json:"peer_addr,omitempty"`
	Received  string `json:"received,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Stage     string `json:"stage,omitempty"`
	ReplyCode *byte  `json:"reply_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Bind builds the summary of a verification. res may be partial or nil when
// err is set.
func Bind(res *bindcheck.Result, err error) BindSummary {
	var bs BindSummary
	if res != nil {
		bs.Proxy = res.Proxy
		if res.BoundAddr.IsValid() {
			bs.BoundAddr = res.BoundAddr.String()
		}
		if res.PeerAddr.IsValid() {
			bs.PeerAddr = res.PeerAddr.String()
		}
		bs.Received = string(res.Received)
		bs.ElapsedMS = res.Elapsed.Milliseconds()
	}
	if err == nil {
		bs.Passed = true
		return bs
	}

	bs.Error = err.Error()
	var be *bindcheck.Error
	if errors.As(err, &be) {
		bs.Stage = be.Stage.String()
		if errors.Is(be.Kind, bindcheck.ErrBindRejected) {
			code := be.Code
			bs.ReplyCode = &code
		}
	}
	return bs
}

func (bs BindSummary) Log(log zerolog.Logger) {
	if bs.Passed {
		log.Info().
			Str("proxy", bs.Proxy).
			Str("bound", bs.BoundAddr).
			Str("peer", bs.PeerAddr).
			Str("received", bs.Received).
			Int64("elapsed_ms", bs.ElapsedMS).
			Msg("BIND verification passed")
		return
	}
	ev := log.Error().Str("proxy", bs.Proxy).Str("stage", bs.Stage)
	if bs.BoundAddr != "" {
		ev = ev.Str("bound", bs.BoundAddr)
	}
	if bs.ReplyCode != nil {
		ev = ev.Uint8("reply_code", *bs.ReplyCode)
	}
	ev.Str("error", bs.Error).Msg("BIND verification failed")
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
