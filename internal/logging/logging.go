// Package logging provides the process-wide log sink: log/slog loggers
// named by target, filtered by directives in the form "target=level,...".
package logging

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

// EnvLogLevel names the variable holding the filter directives.
const EnvLogLevel = "SERVEIT_LOG_LEVEL"

// ErrInitialized is returned by Init once a process-wide sink is installed.
var ErrInitialized = errors.New("logging: already initialized")

var (
	global atomic.Pointer[Sink]

	// used until Init runs
	fallback = sync.OnceValue(func() *Sink {
		return NewSink(os.Stderr, nil, SupportsColor(os.Stderr))
	})
)

func current() *Sink {
	if s := global.Load(); s != nil {
		return s
	}
	return fallback()
}

// For returns a logger on target backed by the process-wide sink.
func For(target string) *slog.Logger {
	return slog.New(&Handler{target: target, sink: current})
}

// Init installs the process-wide sink writing to stderr. Empty directives
// select DefaultDirectives; directives that do not parse fall back to
// DefaultDirectives with a warning. Init can succeed only once.
func Init(directives string) error {
	return InitSink(directives, func(f *Filter) *Sink {
		return NewSink(os.Stderr, f, SupportsColor(os.Stderr))
	})
}

// InitSink is Init with a caller supplied sink constructor.
func InitSink(directives string, newSink func(*Filter) *Sink) error {
	var parseErr error
	filter, err := ParseFilter(directives)
	if err != nil {
		if directives != "" {
			parseErr = err
		}
		filter = MustParseFilter(DefaultDirectives)
	}

	if !global.CompareAndSwap(nil, newSink(filter)) {
		return ErrInitialized
	}

	// route anything logged through the slog default into our format
	slog.SetDefault(For("serveit"))

	if parseErr != nil {
		For("serveit::logging").Warn("ignoring invalid log filter",
			"variable", EnvLogLevel, "value", directives, "error", parseErr, "using", DefaultDirectives)
	}
	return nil
}

// SupportsColor reports whether f is a terminal and NO_COLOR is unset.
func SupportsColor(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
