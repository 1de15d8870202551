package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler filters log records by per-component level
// overrides. Components identify themselves with a "component" attribute,
// typically attached once via logger.With at construction time. Records
// from components without an override are filtered at the default level.
//
// Level overrides are shared across handlers derived with WithAttrs and
// WithGroup, so a single filter instance controls the whole logger tree.
type ComponentFilterHandler struct {
	inner    slog.Handler
	preAttrs []slog.Attr

	mu           *sync.RWMutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
}

// NewComponentFilterHandler wraps inner with component-based level
// filtering. Records are passed through when their level meets the
// default level or the override registered for their component.
func NewComponentFilterHandler(inner slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner:        inner,
		mu:           &sync.RWMutex{},
		defaultLevel: defaultLevel,
		levels:       make(map[string]slog.Level),
	}
}

// SetLevel registers a level override for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.levels[component] = level
}

// ClearLevel removes a component's level override, returning it to the
// default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.levels, component)
}

// Level reports the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if level, ok := h.levels[component]; ok {
		return level
	}
	return h.defaultLevel
}

// DefaultLevel reports the level applied to components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.defaultLevel
}

// minLevel is the lowest level any component could currently pass at.
// Enabled uses it as a cheap pre-filter; Handle makes the final call.
func (h *ComponentFilterHandler) minLevel() slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	min := h.defaultLevel
	for _, level := range h.levels {
		if level < min {
			min = level
		}
	}
	return min
}

func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.Level(h.component(r)) {
		return nil
	}
	if h.inner == nil {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// component resolves the record's component from attributes attached via
// WithAttrs first, then from the record itself.
func (h *ComponentFilterHandler) component(r slog.Record) string {
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			return a.Value.String()
		}
	}
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.preAttrs = make([]slog.Attr, len(h.preAttrs)+len(attrs))
	copy(clone.preAttrs, h.preAttrs)
	copy(clone.preAttrs[len(h.preAttrs):], attrs)
	if h.inner != nil {
		clone.inner = h.inner.WithAttrs(attrs)
	}
	return &clone
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.inner != nil {
		clone.inner = h.inner.WithGroup(name)
	}
	return &clone
}
