package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fatih/color"
)

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Sink is a destination for formatted records plus the filter guarding it.
// Writes are serialized so every record lands as one line.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	filter *Filter
	colors bool
}

// NewSink writes human-readable records to w. A nil filter means DefaultDirectives.
func NewSink(w io.Writer, filter *Filter, colors bool) *Sink {
	if filter == nil {
		filter = MustParseFilter(DefaultDirectives)
	}
	return &Sink{w: w, filter: filter, colors: colors}
}

// Filter returns the filter the sink applies.
func (s *Sink) Filter() *Filter {
	return s.filter
}

// Logger returns a logger on target writing to this sink.
func (s *Sink) Logger(target string) *slog.Logger {
	return slog.New(&Handler{target: target, sink: func() *Sink { return s }})
}

func (s *Sink) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(b)
	return err
}

var levelColors = map[string]*color.Color{
	"TRACE": newColor(color.FgMagenta),
	"DEBUG": newColor(color.FgBlue),
	"INFO":  newColor(color.FgGreen),
	"WARN":  newColor(color.FgYellow),
	"ERROR": newColor(color.FgRed),
}

// colors are decided per sink, not by the package wide NoColor switch
func newColor(attr color.Attribute) *color.Color {
	c := color.New(attr)
	c.EnableColor()
	return c
}

func levelLabel(lvl slog.Level) string {
	switch {
	case lvl >= slog.LevelError:
		return "ERROR"
	case lvl >= slog.LevelWarn:
		return "WARN"
	case lvl >= slog.LevelInfo:
		return "INFO"
	case lvl >= slog.LevelDebug:
		return "DEBUG"
	}
	return "TRACE"
}

// Handler formats records as
//
//	2024-05-01T10:00:00.000000Z  INFO serveit::access: GET / - 200 bytes=12
//
// The sink is resolved on every call so loggers handed out before Init
// follow the process-wide sink once it is installed.
type Handler struct {
	target string
	sink   func() *Sink
	prefix string
	attrs  []byte
}

var _ slog.Handler = (*Handler)(nil)

// Target is the name this handler's records are filtered under.
func (h *Handler) Target() string {
	return h.target
}

func (h *Handler) Enabled(_ context.Context, lvl slog.Level) bool {
	return h.sink().filter.Enabled(h.target, lvl)
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	s := h.sink()

	buf := make([]byte, 0, 128)
	if !r.Time.IsZero() {
		buf = r.Time.UTC().AppendFormat(buf, timeFormat)
		buf = append(buf, ' ')
	}

	label := levelLabel(r.Level)
	padded := fmt.Sprintf("%5s", label)
	if s.colors {
		padded = levelColors[label].Sprint(padded)
	}
	buf = append(buf, padded...)
	buf = append(buf, ' ')
	buf = append(buf, h.target...)
	buf = append(buf, ':', ' ')
	buf = append(buf, escapeMessage(r.Message)...)
	buf = append(buf, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	return s.write(buf)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		h2.attrs = appendAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, prefix, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return append(buf, formatValue(a.Value)...)
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return quoteIfNeeded(v.String())
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return quoteIfNeeded(err.Error())
		}
		return quoteIfNeeded(fmt.Sprint(v.Any()))
	}
	return v.String()
}

// escapeMessage keeps a record on one line by escaping control and
// non-printable characters.
func escapeMessage(s string) string {
	if strings.IndexFunc(s, func(r rune) bool { return !unicode.IsPrint(r) }) < 0 {
		return s
	}
	q := strconv.Quote(s)
	return q[1 : len(q)-1]
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r)
	}) >= 0 {
		return strconv.Quote(s)
	}
	return s
}
