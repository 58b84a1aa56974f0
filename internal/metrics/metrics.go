// Package metrics provides the core's non-blocking on_event sink (§6) and a
// minimal counter/gauge registry. It intentionally carries no HTTP server or
// InfluxDB exporter — those are host concerns; see tos-network-gtos's
// metrics.Config for the fuller shape this is scoped down from.
package metrics

import "sync/atomic"

// Sink receives non-blocking core events. Registering a nil Sink is valid
// and simply discards events.
type Sink func(name string, tags map[string]string, value float64)

// Counter is a monotonically increasing value, safe for concurrent use.
type Counter struct{ v int64 }

func (c *Counter) Inc(delta int64) { atomic.AddInt64(&c.v, delta) }
func (c *Counter) Value() int64    { return atomic.LoadInt64(&c.v) }

// Gauge is an arbitrary point-in-time value, safe for concurrent use.
type Gauge struct{ v int64 }

func (g *Gauge) Set(val int64) { atomic.StoreInt64(&g.v, val) }
func (g *Gauge) Value() int64  { return atomic.LoadInt64(&g.v) }

// Registry holds the outbound sink that Emit dispatches to. Emit drops the
// event if no sink is registered.
type Registry struct {
	sink atomic.Value // Sink
}

// NewRegistry returns a Registry with no sink registered.
func NewRegistry() *Registry { return &Registry{} }

// SetSink installs the outbound metrics hook. Passing nil disables emission.
func (r *Registry) SetSink(s Sink) {
	if s == nil {
		s = func(string, map[string]string, float64) {}
	}
	r.sink.Store(s)
}

// Emit reports one sample by calling the sink synchronously, so it returns
// only after the sink does; the sink is expected to be non-blocking per its
// contract (callers should invoke Emit from outside any lock / PoW loop,
// never within one).
func (r *Registry) Emit(name string, tags map[string]string, value float64) {
	if s, ok := r.sink.Load().(Sink); ok && s != nil {
		s(name, tags, value)
	}
}
