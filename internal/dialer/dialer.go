package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultSOCKS5Port is applied when a socks5 endpoint omits its port.
const DefaultSOCKS5Port = 1080

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober is implemented by dialers that go through an upstream and can check
// that upstream is reachable before any traffic is sent.
type Prober interface {
	ProbeContext(ctx context.Context) error
}

// Endpoint identifies a SOCKS5 proxy.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - socks5://host[:port]
//
// Credentials in the URL are rejected; only the SOCKS5 "no authentication"
// method is spoken.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := parseUpstream(upstream)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5":
		ep, err := endpointFromURL(u)
		if err != nil {
			return nil, err
		}
		return NewSOCKS5ProxyDialer(cfg, ep.String()), nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

// ParseEndpoint accepts socks5://host[:port] or a bare host[:port].
func ParseEndpoint(s string) (Endpoint, error) {
	if !strings.Contains(s, "://") {
		s = "socks5://" + s
	}
	u, err := parseUpstream(s)
	if err != nil {
		return Endpoint{}, err
	}
	if u.Scheme != "socks5" {
		return Endpoint{}, fmt.Errorf("invalid url scheme: %q (want socks5)", u.Scheme)
	}
	return endpointFromURL(u)
}

func parseUpstream(upstream string) (*url.URL, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Scheme == "" {
		return nil, errors.New("invalid url: missing scheme")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}
	if u.User != nil {
		return nil, errors.New("invalid url: authentication is not supported")
	}
	return u, nil
}

func endpointFromURL(u *url.URL) (Endpoint, error) {
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, errors.New("invalid url: missing host")
	}
	if u.Port() == "" {
		return Endpoint{Host: host, Port: DefaultSOCKS5Port}, nil
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid port %q", u.Port())
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}
