// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package adapters

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusTelemetry records counters/histograms/gauges by string name,
// lazily registering a prometheus metric the first time a name is used.
// Grounded on the teacher's (removed) metrics/metric.go, which wrapped
// prometheus.Counter/Gauge behind small Averager/Counter interfaces.
type PrometheusTelemetry struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusTelemetry builds a Telemetry backed by registerer, with
// every metric prefixed by namespace.
func NewPrometheusTelemetry(namespace string, registerer prometheus.Registerer) *PrometheusTelemetry {
	return &PrometheusTelemetry{
		registerer: registerer,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (t *PrometheusTelemetry) Counter(name string) Counter {
	t.mu.Lock()
	defer t.mu.Unlock()
	vec, ok := t.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: t.namespace,
			Name:      name,
			Help:      name,
		}, nil)
		t.registerer.MustRegister(vec)
		t.counters[name] = vec
	}
	return promCounter{vec.WithLabelValues()}
}

func (t *PrometheusTelemetry) Histogram(name string) Histogram {
	t.mu.Lock()
	defer t.mu.Unlock()
	vec, ok := t.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: t.namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, nil)
		t.registerer.MustRegister(vec)
		t.histograms[name] = vec
	}
	return promHistogram{vec.WithLabelValues()}
}

func (t *PrometheusTelemetry) Gauge(name string) Gauge {
	t.mu.Lock()
	defer t.mu.Unlock()
	vec, ok := t.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: t.namespace,
			Name:      name,
			Help:      name,
		}, nil)
		t.registerer.MustRegister(vec)
		t.gauges[name] = vec
	}
	return promGauge{vec.WithLabelValues()}
}

type promCounter struct{ c prometheus.Counter }

func (p promCounter) Inc()              { p.c.Inc() }
func (p promCounter) Add(delta float64) { p.c.Add(delta) }

type promHistogram struct{ h prometheus.Observer }

func (p promHistogram) Observe(v float64) { p.h.Observe(v) }

type promGauge struct{ g prometheus.Gauge }

func (p promGauge) Set(v float64) { p.g.Set(v) }

var _ Telemetry = (*PrometheusTelemetry)(nil)

// NoopTelemetry discards everything; the "no-op implementation must be
// accepted" contract in §4.7.
type NoopTelemetry struct{}

func (NoopTelemetry) Counter(string) Counter     { return noopMetric{} }
func (NoopTelemetry) Histogram(string) Histogram { return noopMetric{} }
func (NoopTelemetry) Gauge(string) Gauge         { return noopMetric{} }

type noopMetric struct{}

func (noopMetric) Inc()                {}
func (noopMetric) Add(float64)         {}
func (noopMetric) Observe(float64)     {}
func (noopMetric) Set(float64)         {}

var _ Telemetry = NoopTelemetry{}
