package logbuf

import (
	"context"
	"log/slog"
	"strings"
)

const componentKey = "component"

// Handler is an slog.Handler that captures entries into a Buffer
// and delegates to an inner handler.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

// Enabled reports true for every level; the buffer keeps debug records even
// when stdout does not.
func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	add := func(key string, v slog.Value) {
		if key == componentKey {
			e.Component = v.String()
			return
		}
		attrs[key] = resolveAttrValue(v)
	}
	for _, a := range h.attrs {
		add(a.Key, a.Value)
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		add(prefix+a.Key, a.Value)
		return true
	})
	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	h.buf.Write(e)

	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// resolveAttrValue unwraps LogValuers and flattens errors to strings.
func resolveAttrValue(v slog.Value) any {
	v = v.Resolve()
	raw := v.Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		attrs:  h.bind(attrs),
		groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}

// bind qualifies attrs with the current group path so later groups do not
// rename them.
func (h *Handler) bind(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(out, h.attrs)
	prefix := h.prefix()
	for _, a := range attrs {
		out = append(out, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return out
}
