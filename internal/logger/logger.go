// Package logger builds the zerolog.Logger shared by socksprobe's components.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and an optional rotating log file. The file
// fields follow lumberjack.Logger.
type Config struct {
	Level string `yaml:"level,omitempty"`

	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"` // megabytes
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAge     int    `yaml:"max_age,omitempty"` // days
	Compress   bool   `yaml:"compress,omitempty"`
}

// New returns a logger writing human-readable lines to console and, when
// cfg.Filename is set, JSON lines to a rotating file. The returned closer
// flushes and closes the file; it is a no-op without one.
func New(cfg Config, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly, NoColor: !isTerminal(console)}
	var closer io.Closer = nopCloser{}
	if cfg.Filename != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer, nil
}

// ParseLevel maps an empty string to info and otherwise defers to zerolog.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
