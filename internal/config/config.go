// Package config loads socksprobe's optional YAML configuration file and maps
// it onto the per-component configs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/socksprobe/internal/bindcheck"
	"github.com/die-net/socksprobe/internal/dialer"
	"github.com/die-net/socksprobe/internal/loadtest"
	"github.com/die-net/socksprobe/internal/logger"
)

// DurationString is a YAML duration: "10s", "250ms", "5m", or a bare integer
// number of seconds.
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	// Proxy is the SOCKS5 proxy under test, socks5://host[:port] or
	// host[:port]. The load driver also accepts direct:// for a baseline.
	Proxy string        `yaml:"proxy,omitempty"`
	Log   logger.Config `yaml:"log,omitempty"`
	Dial  DialConfig    `yaml:"dial,omitempty"`
	Load  LoadConfig    `yaml:"load,omitempty"`
	Bind  BindConfig    `yaml:"bind,omitempty"`
}

type DialConfig struct {
	Timeout            DurationString `yaml:"timeout,omitempty"`
	NegotiationTimeout DurationString `yaml:"negotiation_timeout,omitempty"`
	// TCPKeepAlive is on, off or keepidle:keepintvl:keepcnt in seconds.
	TCPKeepAlive string `yaml:"tcp_keepalive,omitempty"`
}

type LoadConfig struct {
	Target           string         `yaml:"target,omitempty"`
	Concurrency      int            `yaml:"concurrency,omitempty"`
	Requests         int            `yaml:"requests,omitempty"`
	RequestTimeout   DurationString `yaml:"request_timeout,omitempty"`
	Rate             float64        `yaml:"rate,omitempty"`
	ProgressInterval DurationString `yaml:"progress_interval,omitempty"`
}

type BindConfig struct {
	// Port is requested in the BIND command. 0 lets the proxy choose.
	Port        uint16         `yaml:"port"`
	Payload     string         `yaml:"payload,omitempty"`
	SettleDelay DurationString `yaml:"settle_delay,omitempty"`
	PeerTimeout DurationString `yaml:"peer_timeout,omitempty"`
}

// Default returns the built-in configuration. proxy is the default proxy,
// usually taken from the environment.
func Default(proxy string) Config {
	load := loadtest.DefaultConfig()
	bind := bindcheck.DefaultConfig()
	if proxy == "" {
		proxy = bind.Proxy
	}
	return Config{
		Proxy: proxy,
		Log:   logger.Config{Level: "info"},
		Dial: DialConfig{
			Timeout:            DurationString(10 * time.Second),
			NegotiationTimeout: DurationString(10 * time.Second),
			TCPKeepAlive:       "45:45:3",
		},
		Load: LoadConfig{
			Target:           load.TargetURL,
			Concurrency:      load.Concurrency,
			Requests:         load.Requests,
			ProgressInterval: DurationString(5 * time.Second),
		},
		Bind: BindConfig{
			Port:        bind.BindPort,
			Payload:     bind.Payload,
			SettleDelay: DurationString(bind.SettleDelay),
			PeerTimeout: DurationString(bind.PeerTimeout),
		},
	}
}

// Load reads path over base. Keys missing from the file keep base's values;
// unknown keys are an error.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, base)
}

// Parse decodes YAML data over base and validates the result.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Proxy == "" {
		return errors.New("proxy is required")
	}
	if c.Dial.Timeout < 0 || c.Dial.NegotiationTimeout < 0 {
		return errors.New("dial timeouts must be >= 0")
	}
	if _, err := ParseTCPKeepAlive(c.Dial.TCPKeepAlive); err != nil {
		return fmt.Errorf("invalid tcp_keepalive: %w", err)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Dialer returns the dialer settings. c must have been validated.
func (c Config) Dialer() dialer.Config {
	ka, _ := ParseTCPKeepAlive(c.Dial.TCPKeepAlive)
	return dialer.Config{
		DialTimeout:        c.Dial.Timeout.Duration(),
		NegotiationTimeout: c.Dial.NegotiationTimeout.Duration(),
		KeepAlive:          ka,
	}
}

func (c Config) LoadTest() loadtest.Config {
	return loadtest.Config{
		TargetURL:        c.Load.Target,
		Concurrency:      c.Load.Concurrency,
		Requests:         c.Load.Requests,
		RequestTimeout:   c.Load.RequestTimeout.Duration(),
		Rate:             c.Load.Rate,
		ProgressInterval: c.Load.ProgressInterval.Duration(),
	}
}

func (c Config) BindCheck() bindcheck.Config {
	return bindcheck.Config{
		Proxy:              c.Proxy,
		BindPort:           c.Bind.Port,
		Payload:            c.Bind.Payload,
		DialTimeout:        c.Dial.Timeout.Duration(),
		NegotiationTimeout: c.Dial.NegotiationTimeout.Duration(),
		SettleDelay:        c.Bind.SettleDelay.Duration(),
		PeerTimeout:        c.Bind.PeerTimeout.Duration(),
	}
}

// ParseTCPKeepAlive parses on, off or keepidle:keepintvl:keepcnt.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
