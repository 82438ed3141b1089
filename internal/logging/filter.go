package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Levels beyond the four slog defines. LevelOff is above anything a record can carry.
const (
	LevelTrace = slog.Level(-8)
	LevelOff   = slog.Level(1 << 20)
)

// DefaultDirectives enables the product's own targets at INFO and nothing else.
const DefaultDirectives = "serveit=info"

// TargetSeparator joins the segments of a hierarchical target name.
const TargetSeparator = "::"

var errEmptyFilter = errors.New("empty filter")

// Directive sets the minimum level for a target and everything below it.
type Directive struct {
	Target string
	Level  slog.Level
}

// Filter decides the minimum level per target from a list of directives.
type Filter struct {
	fallback   slog.Level
	directives []Directive // longest target first
}

// ParseFilter parses a comma separated list of directives such as
// "serveit=info,serveit::access=warn". A bare level sets the level for
// targets no directive matches; a bare target enables it at trace.
func ParseFilter(s string) (*Filter, error) {
	f := &Filter{fallback: LevelOff}
	seen := false
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seen = true

		target, levelName, hasLevel := strings.Cut(part, "=")
		target = strings.TrimSpace(target)
		if !hasLevel {
			if lvl, err := ParseLevel(target); err == nil {
				f.fallback = lvl
				continue
			}
			f.directives = append(f.directives, Directive{Target: target, Level: LevelTrace})
			continue
		}
		if target == "" {
			return nil, fmt.Errorf("directive %q: missing target", part)
		}
		lvl, err := ParseLevel(strings.TrimSpace(levelName))
		if err != nil {
			return nil, fmt.Errorf("directive %q: %w", part, err)
		}
		f.directives = append(f.directives, Directive{Target: target, Level: lvl})
	}
	if !seen {
		return nil, errEmptyFilter
	}

	sort.SliceStable(f.directives, func(i, j int) bool {
		return len(f.directives[i].Target) > len(f.directives[j].Target)
	})
	return f, nil
}

// MustParseFilter is ParseFilter for directives known to be valid.
func MustParseFilter(s string) *Filter {
	f, err := ParseFilter(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Level returns the minimum enabled level for target.
func (f *Filter) Level(target string) slog.Level {
	for _, d := range f.directives {
		if target == d.Target || strings.HasPrefix(target, d.Target+TargetSeparator) {
			return d.Level
		}
	}
	return f.fallback
}

// Enabled reports whether a record at lvl on target passes the filter.
func (f *Filter) Enabled(target string, lvl slog.Level) bool {
	floor := f.Level(target)
	return floor != LevelOff && lvl >= floor
}

func (f *Filter) String() string {
	parts := make([]string, 0, len(f.directives)+1)
	if f.fallback != LevelOff {
		parts = append(parts, LevelName(f.fallback))
	}
	for _, d := range f.directives {
		parts = append(parts, d.Target+"="+LevelName(d.Level))
	}
	return strings.Join(parts, ",")
}

// ParseLevel accepts trace, debug, info, warn (or warning), error and off in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off":
		return LevelOff, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// LevelName is the lowercase directive spelling of lvl.
func LevelName(lvl slog.Level) string {
	switch {
	case lvl >= LevelOff:
		return "off"
	case lvl >= slog.LevelError:
		return "error"
	case lvl >= slog.LevelWarn:
		return "warn"
	case lvl >= slog.LevelInfo:
		return "info"
	case lvl >= slog.LevelDebug:
		return "debug"
	}
	return "trace"
}
