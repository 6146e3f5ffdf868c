package convsync

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Duplicate sources, used as the "source" label.
const (
	sourceSnapshot = "snapshot"
	sourceRealtime = "realtime"
	sourceSend     = "send"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	merged          prometheus.Counter
	duplicates      *prometheus.CounterVec
	refreshFailures *prometheus.CounterVec
	publishes       prometheus.Counter
	openSessions    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "messages_merged_total",
			Help:      "Messages newly added to a conversation view.",
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "duplicates_ignored_total",
			Help:      "Messages dropped because their id was already known.",
		}, []string{"source"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "refresh_failures_total",
			Help:      "Snapshot fetches that failed, by error kind.",
		}, []string{"kind"}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "views_published_total",
			Help:      "Views delivered to subscribers.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Name:      "open_conversations",
			Help:      "Conversations with a running sync session.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.merged, m.duplicates, m.refreshFailures, m.publishes, m.openSessions)
	}
	return m
}

func (m *Metrics) addMerged(n int) {
	if m != nil && n > 0 {
		m.merged.Add(float64(n))
	}
}

func (m *Metrics) addDuplicates(source string, n int) {
	if m != nil && n > 0 {
		m.duplicates.WithLabelValues(source).Add(float64(n))
	}
}

func (m *Metrics) refreshFailed(err error) {
	if m != nil {
		m.refreshFailures.WithLabelValues(errorKind(err)).Inc()
	}
}

func (m *Metrics) published() {
	if m != nil {
		m.publishes.Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.openSessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.openSessions.Dec()
	}
}

// errorKind names the taxonomy class of err for labels and logs.
func errorKind(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.As(err, &apiErr):
		return "api"
	}
	return "other"
}
