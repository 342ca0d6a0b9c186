package socks5

// Package socks5 provides the client side of the SOCKS5 subset socksprobe
// exercises: no-auth method negotiation, CONNECT, and the two-phase BIND
// command.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 so the
// load driver's dialer and the BIND verifier share one set of byte layouts and
// one error vocabulary. A few server-side helpers are kept for the in-process
// proxy used by tests.
//
// Only the "no authentication" method and IPv4 BIND addresses are supported.
