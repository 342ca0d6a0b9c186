package dialer

// Package dialer provides outbound dialing implementations used by socksprobe.
//
// Dialers implement a small interface (DialContext) and are plugged into the
// load driver's http.Transport, either directly (a no-proxy baseline) or via a
// SOCKS5 proxy using the CONNECT command.
