package metrics

import "github.com/prometheus/client_golang/prometheus"

type Observer interface {
	Observe(val float64, labels ...string)

	// for now we will tightly couple to the prometheus collector type
	// the go otel metrics sdk also has a prometheus adapter that implements this interface.
	prometheus.Collector
}

type Metrics struct {
	// MessagesCount counts messages received from chat services.
	MessagesCount Observer
	// CommandCount counts command invocations that reached a handler.
	CommandCount Observer
	// DeniedCount counts interactions rejected by the permission gate.
	DeniedCount Observer
	// ThrottledCount counts interactions rejected by the rate limit gate.
	ThrottledCount Observer
	// FilteredCount counts messages rejected by moderation filters,
	// labeled by filter.
	FilteredCount Observer
	// CheckLatency observes permission check duration in seconds.
	CheckLatency Observer
}

func (m Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesCount,
		m.CommandCount,
		m.DeniedCount,
		m.ThrottledCount,
		m.FilteredCount,
		m.CheckLatency,
	}
}
