package stream

import "sync/atomic"

// FormatHolder is a shared odds-format box. Subscribers write it through
// the control plane; workers read it lock-free on every reconnect, so a
// change takes effect on the next SSE connection.
type FormatHolder struct {
	v atomic.Value
}

// NewFormatHolder creates a holder seeded with an initial format.
func NewFormatHolder(format string) *FormatHolder {
	h := &FormatHolder{}
	h.Set(format)
	return h
}

// Get returns the current format, defaulting to decimal.
func (h *FormatHolder) Get() string {
	if s, ok := h.v.Load().(string); ok && s != "" {
		return s
	}
	return "decimal"
}

// Set replaces the format. Empty values are ignored.
func (h *FormatHolder) Set(format string) {
	if format != "" {
		h.v.Store(format)
	}
}
