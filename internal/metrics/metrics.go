package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "calcengine_"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messagesTotal      *prometheus.CounterVec
	calculationsTotal  *prometheus.CounterVec
	calculationLatency prometheus.Histogram
	stateFetches       *prometheus.CounterVec
	sizeExceeded       prometheus.Counter
	workers            prometheus.Gauge
	tenants            prometheus.Gauge
	fields             prometheus.Gauge
	reprocessedPoints  prometheus.Counter
	inboundTotal       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "messages_total",
			Help: "Engine messages completed by type and result.",
		}, []string{"type", "result"}),
		calculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "calculations_total",
			Help: "Calculations run by field type and result.",
		}, []string{"field_type", "result"}),
		calculationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "calculation_duration_seconds",
			Help:    "Histogram of calculation durations.",
			Buckets: prometheus.DefBuckets,
		}),
		stateFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "state_fetches_total",
			Help: "Cold state loads by source (store, telemetry).",
		}, []string{"source"}),
		sizeExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "state_size_exceeded_total",
			Help: "States removed for exceeding their size limit.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "entity_workers",
			Help: "Live entity workers on this node.",
		}),
		tenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "tenant_coordinators",
			Help: "Live tenant coordinators on this node.",
		}),
		fields: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "calculated_fields",
			Help: "Calculated fields registered on this node.",
		}),
		reprocessedPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "reprocessed_points_total",
			Help: "Historical points applied by reprocessing.",
		}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "inbound_messages_total",
			Help: "Envelopes received from the queue or HTTP by source, type and result.",
		}, []string{"source", "type", "result"}),
	}

	reg.MustRegister(
		m.messagesTotal,
		m.calculationsTotal,
		m.calculationLatency,
		m.stateFetches,
		m.sizeExceeded,
		m.workers,
		m.tenants,
		m.fields,
		m.reprocessedPoints,
		m.inboundTotal,
	)
	return m
}

func (m *Metrics) Message(msgType string, err error) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(msgType, result(err)).Inc()
}

func (m *Metrics) Calculation(fieldType string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.calculationsTotal.WithLabelValues(fieldType, result(err)).Inc()
	m.calculationLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) StateFetched(source string) {
	if m == nil {
		return
	}
	m.stateFetches.WithLabelValues(source).Inc()
}

func (m *Metrics) SizeExceeded() {
	if m == nil {
		return
	}
	m.sizeExceeded.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workers.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.workers.Dec()
}

func (m *Metrics) TenantStarted() {
	if m == nil {
		return
	}
	m.tenants.Inc()
}

func (m *Metrics) FieldsChanged(delta int) {
	if m == nil {
		return
	}
	m.fields.Add(float64(delta))
}

func (m *Metrics) Reprocessed(points int) {
	if m == nil {
		return
	}
	m.reprocessedPoints.Add(float64(points))
}

// Inbound counts an envelope handled by a transport. source is "kafka" or "http".
func (m *Metrics) Inbound(source, envType string, err error) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(source, envType, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
