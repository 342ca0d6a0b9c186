// Package loadtest drives many concurrent HTTP GET requests through a proxy
// dialer and aggregates what happened.
//
// A run is fan-out/fan-in: one shared http.Client, a counting admission gate
// of size Concurrency that every request holds for its whole lifetime, and a
// single gather point after which Stats are computed. Individual request
// failures are recorded and never abort sibling requests; only failing to
// reach the proxy at session setup aborts a run.
package loadtest
