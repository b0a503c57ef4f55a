package client

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vehiclesignals/vss-go/pkg/subscription"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

const (
	metricsNamespace = "vss"
	metricsSubsystem = "client"
)

// metrics holds the client collectors. A nil *metrics records nothing.
type metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, c *Client) (*metrics, error) {
	m := &metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "calls_total",
				Help:      "Broker calls by operation and result.",
			},
			[]string{"op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "call_duration_seconds",
				Help:      "Broker call duration in seconds, including the wait for a connection.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}

	collectors := []prometheus.Collector{
		m.calls,
		m.duration,
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "reconnects_total",
				Help:      "Successful reconnects.",
			},
			func() float64 { return float64(c.session.Reconnects()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "pending_requests",
				Help:      "Requests awaiting a response.",
			},
			func() float64 { return float64(c.mux.Pending()) },
		),
	}
	for _, status := range []subscription.Status{subscription.StatusPending, subscription.StatusActive, subscription.StatusStale} {
		collectors = append(collectors, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Subsystem:   metricsSubsystem,
				Name:        "subscriptions",
				Help:        "Subscriptions by status.",
				ConstLabels: prometheus.Labels{"status": strings.ToLower(status.String())},
			},
			func() float64 { return float64(c.registry.Counts()[status]) },
		))
	}

	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(op wire.Operation, d time.Duration, err error) {
	if m == nil {
		return
	}
	name := strings.ToLower(op.String())
	m.calls.WithLabelValues(name, resultLabel(err)).Inc()
	m.duration.WithLabelValues(name).Observe(d.Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrClientClosed):
		return "closed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsConnectError(err):
		return "connect"
	case IsTransportError(err):
		return "transport"
	}
	if _, ok := BrokerCode(err); ok {
		return "broker"
	}
	return "error"
}
