// Package metrics exposes the agent's self-observation counters. These
// describe the agent itself, not the profiled runtime, and are registered
// on a caller-supplied registry so a host binary can scrape them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the agent's counters.
type Metrics struct {
	EventsEmitted     *prometheus.CounterVec
	AllocsSuppressed  prometheus.Counter
	BytesRepresented  prometheus.Counter
	ChunksEmitted     prometheus.Counter
	Errors            prometheus.Counter
}

// New creates and registers the counters. reg may be nil to skip
// registration (tests).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clrtrace",
			Name:      "events_emitted_total",
			Help:      "Events emitted on the tracing channel, by event name.",
		}, []string{"event"}),
		AllocsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clrtrace",
			Name:      "allocations_suppressed_total",
			Help:      "Allocations filtered out by the adaptive sampler.",
		}),
		BytesRepresented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clrtrace",
			Name:      "bytes_represented_total",
			Help:      "Sum of representative sizes carried by emitted allocation events.",
		}),
		ChunksEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clrtrace",
			Name:      "heap_chunks_emitted_total",
			Help:      "Array-carrying heap events split to fit the payload budget.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clrtrace",
			Name:      "errors_total",
			Help:      "Internal errors reported as ProfilerError events.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsEmitted, m.AllocsSuppressed, m.BytesRepresented, m.ChunksEmitted, m.Errors)
	}
	return m
}
