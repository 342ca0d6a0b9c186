package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds the TCP connect, to the proxy or directly.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the SOCKS5 handshake after connecting.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}
