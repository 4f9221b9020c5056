// Package logging sets up RapidCopy's process-wide structured logger.
//
// All output goes through log/slog: one line per record by default,
// with a per-component level override table driven by the
// RAPIDCOPY_TRACE environment variable.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	mu     sync.Mutex
	levels = map[string]slog.Level{}
	def    = slog.LevelInfo
	root   *slog.Logger
)

func init() {
	var out io.Writer = os.Stdout
	if os.Getenv("RAPIDCOPY_LOG_DISCARD") != "" {
		out = io.Discard
	}
	handler := &componentHandler{out: out, mu: &sync.Mutex{}, json: os.Getenv("RAPIDCOPY_LOGFORMAT") == "json"}
	root = slog.New(handler)
	slog.SetDefault(root)

	for _, part := range strings.Split(os.Getenv("RAPIDCOPY_TRACE"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		comp, levelStr, ok := strings.Cut(part, ":")
		lvl := slog.LevelDebug
		if ok {
			_ = lvl.UnmarshalText([]byte(levelStr))
		}
		SetComponentLevel(comp, lvl)
	}
}

// SetComponentLevel overrides the minimum level for a component (package)
// name, e.g. SetComponentLevel("validation", slog.LevelDebug).
func SetComponentLevel(component string, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	levels[component] = level
}

// ComponentLevels returns a snapshot of the per-component overrides.
func ComponentLevels() map[string]slog.Level {
	mu.Lock()
	defer mu.Unlock()
	return maps.Clone(levels)
}

// SetDefaultLevel sets the level used for components without an
// explicit override.
func SetDefaultLevel(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	def = level
}

func levelFor(component string) slog.Level {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := levels[component]; ok {
		return l
	}
	return def
}

// For returns a logger tagged with the given component name; each
// package holds one in a package-level variable.
func For(component string) *slog.Logger {
	return root.With(slog.String("component", component))
}

// componentHandler writes single-line records, honoring the
// per-component level table; when json is set it instead writes
// structured JSON lines for log shippers to consume.
type componentHandler struct {
	out  io.Writer
	mu   *sync.Mutex // shared across WithAttrs/WithGroup copies
	json bool
	grp  []string
	attr []slog.Attr
}

// allAttrs merges handler-attached attrs (from Logger.With) with the
// record's own attrs, in that order.
func (h *componentHandler) allAttrs(r slog.Record) []slog.Attr {
	attrs := append([]slog.Attr(nil), h.attr...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return attrs
}

func (h *componentHandler) Enabled(_ context.Context, level slog.Level) bool {
	return true // per-component filtering happens in Handle, where the component attr is known
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := h.allAttrs(r)
	component := "-"
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	if r.Level < levelFor(component) {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.json {
		return h.handleJSON(r, attrs)
	}

	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.RFC3339))
	sb.WriteByte(' ')
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	if component != "-" {
		sb.WriteByte('[')
		sb.WriteString(component)
		sb.WriteString("] ")
	}
	sb.WriteString(r.Message)
	for _, a := range attrs {
		if a.Key == "component" {
			continue
		}
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(a.Value.String())
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func (h *componentHandler) handleJSON(r slog.Record, attrs []slog.Attr) error {
	enc := map[string]any{
		"time":  r.Time.Format(time.RFC3339Nano),
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, a := range attrs {
		enc[a.Key] = a.Value.Any()
	}
	return jsonLine(h.out, enc)
}

func jsonLine(out io.Writer, v map[string]any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}
	bs = append(bs, '\n')
	_, err = out.Write(bs)
	return err
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attr = append(append([]slog.Attr(nil), h.attr...), attrs...)
	return &cp
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	cp := *h
	cp.grp = append(append([]string(nil), h.grp...), name)
	return &cp
}
