package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// relayHandler is a slog.Handler that copies Info and above into the
// session log, where the progress stream picks it up.
type relayHandler struct {
	t      *tracker
	attrs  []slog.Attr
	groups []string
}

func newRelayHandler(t *tracker) *relayHandler {
	return &relayHandler{t: t}
}

func (h *relayHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *relayHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Resolve())
	}
	r.Attrs(func(a slog.Attr) bool {
		if !a.Equal(slog.Attr{}) {
			fmt.Fprintf(&b, " %s=%v", h.key(a.Key), a.Value.Resolve())
		}
		return true
	})
	h.t.appendLog(r.Level, r.Time, b.String())
	return nil
}

// key qualifies an attribute key with the open groups.
func (h *relayHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func (h *relayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	return &c
}

func (h *relayHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = append(append([]string{}, h.groups...), name)
	return &c
}
