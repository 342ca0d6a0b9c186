package bindcheck

import (
	"errors"
	"time"
)

const DefaultPayload = "Hello, SOCKS5 Proxy!"

type Config struct {
	// Proxy is socks5://host[:port] or host[:port].
	Proxy string
	// BindPort is requested in the BIND command; 0 lets the proxy choose.
	BindPort uint16
	// Payload is sent by the external peer and expected back verbatim.
	Payload string

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	// SettleDelay is how long the external peer waits after the first reply
	// before connecting.
	SettleDelay time.Duration
	// PeerTimeout bounds the wait for the second reply and for the payload.
	PeerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Proxy:              "127.0.0.1:1080",
		BindPort:           8080,
		Payload:            DefaultPayload,
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		SettleDelay:        time.Second,
		PeerTimeout:        10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Proxy == "" {
		return errors.New("proxy is required")
	}
	if c.Payload == "" {
		return errors.New("payload must not be empty")
	}
	if c.DialTimeout < 0 || c.NegotiationTimeout < 0 || c.SettleDelay < 0 || c.PeerTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	return nil
}
