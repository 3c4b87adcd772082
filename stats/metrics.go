// Package stats holds the prometheus collectors shared by the comms graph and
// the redistribution plan.
package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tscollect"

// Stage names observed in StageSeconds
const (
	StageFill     = "fill"
	StagePack     = "pack"
	StageExchange = "exchange"
	StageDecode   = "decode"
	StageFinalize = "finalize"
	StagePrepare  = "prepare"
)

// Metrics groups the collectors of one node. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
	Exchanges     prometheus.Counter
	Executions    prometheus.Counter
	StageSeconds  *prometheus.HistogramVec
}

// New creates the collectors, labelled with node, and registers them on reg
// when reg is not nil
func New(reg prometheus.Registerer, node int) (*Metrics, error) {
	constLabels := prometheus.Labels{"node": strconv.Itoa(node)}
	m := &Metrics{
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_sent_total",
			Help:        "Bytes handed to the transport, by destination node.",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_received_total",
			Help:        "Bytes received from the transport, by source node.",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		Exchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "exchanges_total",
			Help:        "Completed collective exchanges.",
			ConstLabels: constLabels,
		}),
		Executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "executions_total",
			Help:        "Completed plan executions.",
			ConstLabels: constLabels,
		}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "stage_seconds",
			Help:        "Duration of each redistribution stage.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"stage"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.BytesSent, m.BytesReceived, m.Exchanges, m.Executions, m.StageSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddSent counts n bytes handed to the transport for peer
func (m *Metrics) AddSent(peer, n int) {
	if m == nil {
		return
	}
	m.BytesSent.WithLabelValues(strconv.Itoa(peer)).Add(float64(n))
}

// AddReceived counts n bytes received from peer
func (m *Metrics) AddReceived(peer, n int) {
	if m == nil {
		return
	}
	m.BytesReceived.WithLabelValues(strconv.Itoa(peer)).Add(float64(n))
}

// IncExchanges counts one completed exchange
func (m *Metrics) IncExchanges() {
	if m == nil {
		return
	}
	m.Exchanges.Inc()
}

// IncExecutions counts one completed plan execution
func (m *Metrics) IncExecutions() {
	if m == nil {
		return
	}
	m.Executions.Inc()
}

// ObserveStage records the time elapsed since start under stage
func (m *Metrics) ObserveStage(stage string, start time.Time) time.Duration {
	d := time.Since(start)
	if m != nil {
		m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
	}
	return d
}
