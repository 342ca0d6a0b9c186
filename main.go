package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/die-net/socksprobe/internal/bindcheck"
	"github.com/die-net/socksprobe/internal/config"
	"github.com/die-net/socksprobe/internal/dialer"
	"github.com/die-net/socksprobe/internal/loadtest"
	"github.com/die-net/socksprobe/internal/logger"
	"github.com/die-net/socksprobe/internal/report"
	"github.com/die-net/socksprobe/internal/rlimit"
)

const usage = `usage: socksprobe <command> [flags]

commands:
  load   drive concurrent HTTP GETs through a SOCKS5 proxy
  bind   verify a SOCKS5 proxy's BIND command end to end

Run "socksprobe <command> --help" for the command's flags.
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("no command given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// A second signal kills the process.
	context.AfterFunc(ctx, stop)

	switch args[0] {
	case "load":
		return runLoad(ctx, args[1:], stdout, stderr)
	case "bind":
		return runBind(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// commonFlags are accepted by every command. Flags the user sets override the
// config file, which overrides the built-in defaults.
type commonFlags struct {
	fs *pflag.FlagSet

	configPath         *string
	proxy              *string
	logLevel           *string
	logFile            *string
	verbose            *bool
	jsonOut            *bool
	dialTimeout        *time.Duration
	negotiationTimeout *time.Duration
	tcpKeepAlive       *string
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	return fs
}

func addCommonFlags(fs *pflag.FlagSet, def config.Config) *commonFlags {
	return &commonFlags{
		fs:                 fs,
		configPath:         fs.String("config", "", "YAML config file; flags given on the command line override it"),
		proxy:              fs.String("proxy", def.Proxy, "SOCKS5 proxy under test: socks5://host[:port] | host[:port] (defaults to $ALL_PROXY)"),
		logLevel:           fs.String("log-level", def.Log.Level, "Log level: trace|debug|info|warn|error"),
		logFile:            fs.String("log-file", "", "Also write JSON logs to this file, rotated by size"),
		verbose:            fs.BoolP("verbose", "v", false, "Enable per-request error logging (same as --log-level=debug)"),
		jsonOut:            fs.Bool("json", false, "Print the result as JSON on stdout"),
		dialTimeout:        fs.Duration("dial-timeout", def.Dial.Timeout.Duration(), "Timeout for TCP connect to the proxy"),
		negotiationTimeout: fs.Duration("negotiation-timeout", def.Dial.NegotiationTimeout.Duration(), "Timeout for the SOCKS5 handshake"),
		tcpKeepAlive:       fs.String("tcp-keepalive", def.Dial.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt"),
	}
}

// resolve loads the config file, if any, and applies the flags that were set.
func (f *commonFlags) resolve(def config.Config) (config.Config, error) {
	cfg := def
	if *f.configPath != "" {
		var err error
		cfg, err = config.Load(*f.configPath, def)
		if err != nil {
			return config.Config{}, err
		}
	}

	if f.fs.Changed("proxy") {
		cfg.Proxy = *f.proxy
	}
	if f.fs.Changed("log-level") {
		cfg.Log.Level = *f.logLevel
	}
	if f.fs.Changed("log-file") {
		cfg.Log.Filename = *f.logFile
	}
	if *f.verbose {
		cfg.Log.Level = zerolog.LevelDebugValue
	}
	if f.fs.Changed("dial-timeout") {
		cfg.Dial.Timeout = config.DurationString(*f.dialTimeout)
	}
	if f.fs.Changed("negotiation-timeout") {
		cfg.Dial.NegotiationTimeout = config.DurationString(*f.negotiationTimeout)
	}
	if f.fs.Changed("tcp-keepalive") {
		cfg.Dial.TCPKeepAlive = *f.tcpKeepAlive
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runLoad(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	def := config.Default(defaultProxy())

	fs := newFlagSet("load", stderr)
	common := addCommonFlags(fs, def)
	var (
		target           = fs.String("target", def.Load.Target, "URL fetched with GET by every request")
		concurrency      = fs.IntP("concurrency", "c", def.Load.Concurrency, "Maximum requests in flight")
		requests         = fs.IntP("requests", "n", def.Load.Requests, "Total requests to issue")
		rate             = fs.Float64("rate", def.Load.Rate, "Pace request issue to this many per second; 0 disables pacing")
		requestTimeout   = fs.Duration("request-timeout", def.Load.RequestTimeout.Duration(), "Per-request timeout including the body; 0 disables")
		progressInterval = fs.Duration("progress-interval", def.Load.ProgressInterval.Duration(), "Log progress at this interval; 0 disables")
	)
	if err := fs.Parse(args); err != nil {
		return helpIsNotAnError(err)
	}

	cfg, err := common.resolve(def)
	if err != nil {
		return err
	}
	if fs.Changed("target") {
		cfg.Load.Target = *target
	}
	if fs.Changed("concurrency") {
		cfg.Load.Concurrency = *concurrency
	}
	if fs.Changed("requests") {
		cfg.Load.Requests = *requests
	}
	if fs.Changed("rate") {
		cfg.Load.Rate = *rate
	}
	if fs.Changed("request-timeout") {
		cfg.Load.RequestTimeout = config.DurationString(*requestTimeout)
	}
	if fs.Changed("progress-interval") {
		cfg.Load.ProgressInterval = config.DurationString(*progressInterval)
	}

	log, closer, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	proxy := proxyURL(cfg.Proxy)
	d, err := dialer.New(cfg.Dialer(), proxy)
	if err != nil {
		return fmt.Errorf("invalid --proxy: %w", err)
	}

	lt := cfg.LoadTest()
	raiseFileLimit(log, lt.Concurrency)

	drv, err := loadtest.New(lt, d, log)
	if err != nil {
		return err
	}

	stats, runErr := drv.Run(ctx)
	summary := report.Load(lt.TargetURL, proxy, stats, runErr)
	if *common.jsonOut {
		if err := report.WriteJSON(stdout, summary); err != nil {
			return err
		}
	} else {
		summary.Log(log)
	}

	if runErr != nil {
		return fmt.Errorf("load run: %w", runErr)
	}
	return nil
}

func runBind(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	def := config.Default(defaultProxy())

	fs := newFlagSet("bind", stderr)
	common := addCommonFlags(fs, def)
	var (
		bindPort    = fs.Uint16("bind-port", def.Bind.Port, "Port requested in the BIND command; 0 lets the proxy choose")
		payload     = fs.String("payload", def.Bind.Payload, "Message the external peer sends through the bound port")
		settleDelay = fs.Duration("settle-delay", def.Bind.SettleDelay.Duration(), "How long the external peer waits after the first reply before connecting")
		peerTimeout = fs.Duration("peer-timeout", def.Bind.PeerTimeout.Duration(), "How long to wait for the peer connection and its payload; 0 waits forever")
	)
	if err := fs.Parse(args); err != nil {
		return helpIsNotAnError(err)
	}

	cfg, err := common.resolve(def)
	if err != nil {
		return err
	}
	if fs.Changed("bind-port") {
		cfg.Bind.Port = *bindPort
	}
	if fs.Changed("payload") {
		cfg.Bind.Payload = *payload
	}
	if fs.Changed("settle-delay") {
		cfg.Bind.SettleDelay = config.DurationString(*settleDelay)
	}
	if fs.Changed("peer-timeout") {
		cfg.Bind.PeerTimeout = config.DurationString(*peerTimeout)
	}

	log, closer, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	v, err := bindcheck.New(cfg.BindCheck(), log)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	res, runErr := v.Run(ctx)
	summary := report.Bind(res, runErr)
	if *common.jsonOut {
		if err := report.WriteJSON(stdout, summary); err != nil {
			return err
		}
	} else {
		summary.Log(log)
	}

	if runErr != nil {
		return fmt.Errorf("bind verification: %w", runErr)
	}
	return nil
}

func raiseFileLimit(log zerolog.Logger, concurrency int) {
	if !rlimit.IsSupported {
		return
	}
	want := rlimit.FilesFor(concurrency)
	lim, err := rlimit.Raise(want)
	switch {
	case err != nil:
		log.Warn().Err(err).Uint64("want", want).Msg("could not raise open file limit")
	case lim.Cur < want:
		log.Warn().Uint64("limit", lim.Cur).Uint64("want", want).Msg("open file limit is below what this concurrency needs")
	default:
		log.Debug().Uint64("limit", lim.Cur).Msg("open file limit")
	}
}

func helpIsNotAnError(err error) error {
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

// proxyURL adds the socks5 scheme to a bare host:port.
func proxyURL(s string) string {
	if strings.Contains(s, "://") {
		return s
	}
	return "socks5://" + s
}

func defaultProxy() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return ""
}
