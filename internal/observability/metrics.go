// Package observability exports process metrics and serves the ops HTTP
// endpoints (/metrics, /healthz, pprof).
package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pillpal/internal/device"
	"pillpal/internal/dispatch"
	"pillpal/internal/eventbus"
	"pillpal/internal/ingress"
)

const namespace = "pillpal"

// Metrics turns bus events into prometheus series. Each instance owns its
// registry so tests and embedded uses don't collide.
type Metrics struct {
	reg *prometheus.Registry

	dispatches       *prometheus.CounterVec
	stageFailures    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	devicePublishes  *prometheus.CounterVec
	deviceAttempts   prometheus.Histogram
	scheduleWarnings prometheus.Counter
	scheduleRebuilds prometheus.Counter
	ingressFiles     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Prescription dispatches by outcome (success, notify_warning, failed).",
		}, []string{"outcome"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_stage_failures_total",
			Help:      "Fatal dispatch failures by pipeline stage.",
		}, []string{"stage"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of prescription dispatches.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		devicePublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_publishes_total",
			Help:      "Device configuration publishes by result.",
		}, []string{"result"}),
		deviceAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_publish_attempts",
			Help:      "Attempts needed per device publish.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		scheduleWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_record_warnings_total",
			Help:      "Records skipped while building a schedule.",
		}),
		scheduleRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_refreshes_total",
			Help:      "Full alarm table republishes.",
		}),
		ingressFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_files_total",
			Help:      "Inbox files by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches, m.stageFailures, m.dispatchDuration,
		m.devicePublishes, m.deviceAttempts,
		m.scheduleWarnings, m.scheduleRebuilds,
		m.ingressFiles,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe folds one event into the series. Unknown events are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.DispatchDone:
		outcome := "success"
		if e, ok := ev.Data.(dispatch.Event); ok {
			if e.NotifyWarning {
				outcome = "notify_warning"
			}
			m.dispatchDuration.Observe(e.Took.Seconds())
		}
		m.dispatches.WithLabelValues(outcome).Inc()
	case eventbus.DispatchFailed:
		m.dispatches.WithLabelValues("failed").Inc()
		if e, ok := ev.Data.(dispatch.Event); ok {
			m.stageFailures.WithLabelValues(string(e.Stage)).Inc()
			m.dispatchDuration.Observe(e.Took.Seconds())
		}
	case eventbus.DevicePublished, eventbus.DeviceFailed:
		result := "published"
		if ev.Type == eventbus.DeviceFailed {
			result = "failed"
		}
		m.devicePublishes.WithLabelValues(result).Inc()
		if e, ok := ev.Data.(device.PublishEvent); ok && e.Attempts > 0 {
			m.deviceAttempts.Observe(float64(e.Attempts))
		}
	case eventbus.ScheduleWarning:
		n, _ := ev.Data.(int)
		if n <= 0 {
			n = 1
		}
		m.scheduleWarnings.Add(float64(n))
	case eventbus.ScheduleRebuilt:
		m.scheduleRebuilds.Inc()
	case eventbus.IngressProcessed, eventbus.IngressRejected:
		result := "rejected"
		if o, ok := ev.Data.(ingress.Outcome); ok {
			result = string(o.Status)
		} else if ev.Type == eventbus.IngressProcessed {
			result = string(ingress.StatusDispatched)
		}
		m.ingressFiles.WithLabelValues(result).Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return errors.New("event bus closed")
			}
			m.Observe(ev)
		}
	}
}
