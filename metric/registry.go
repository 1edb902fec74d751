// Package metric provides Prometheus metrics for the bridge: a central
// registry with namespaced registration plus the core daemon metrics.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// Registrar defines the interface for registering subsystem-specific metrics
type Registrar interface {
	RegisterCounter(subsystem, metricName string, counter prometheus.Counter) error
	RegisterGauge(subsystem, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(subsystem, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(subsystem, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(subsystem, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(subsystem, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(subsystem, metricName string) bool
}

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with core bridge metrics
// and Go runtime collectors.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCore()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core bridge metrics
func (r *Registry) CoreMetrics() *Metrics {
	return r.Metrics
}

func (r *Registry) register(subsystem, metricName string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", subsystem, metricName)
	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			stderrors.New("metric already registered"),
			"Registry", "register", key,
		)
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		return errors.WrapInvalid(err, "Registry", "register", key)
	}
	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a subsystem
func (r *Registry) RegisterCounter(subsystem, metricName string, counter prometheus.Counter) error {
	return r.register(subsystem, metricName, counter)
}

// RegisterGauge registers a gauge metric for a subsystem
func (r *Registry) RegisterGauge(subsystem, metricName string, gauge prometheus.Gauge) error {
	return r.register(subsystem, metricName, gauge)
}

// RegisterHistogram registers a histogram metric for a subsystem
func (r *Registry) RegisterHistogram(subsystem, metricName string, histogram prometheus.Histogram) error {
	return r.register(subsystem, metricName, histogram)
}

// RegisterCounterVec registers a counter vector for a subsystem
func (r *Registry) RegisterCounterVec(subsystem, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(subsystem, metricName, counterVec)
}

// RegisterGaugeVec registers a gauge vector for a subsystem
func (r *Registry) RegisterGaugeVec(subsystem, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(subsystem, metricName, gaugeVec)
}

// RegisterHistogramVec registers a histogram vector for a subsystem
func (r *Registry) RegisterHistogramVec(subsystem, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(subsystem, metricName, histogramVec)
}

// Unregister removes a previously registered metric
func (r *Registry) Unregister(subsystem, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", subsystem, metricName)
	c, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}
	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(c)
}

func (r *Registry) registerCore() {
	m := r.Metrics
	r.prometheusRegistry.MustRegister(
		m.ErrorsTotal,
		m.UNSPublishedTotal,
		m.UNSDeduplicatedTotal,
		m.SparkplugMessagesTotal,
		m.StateEvictionsTotal,
		m.ValidationResultsTotal,
		m.DriftAlertsTotal,
		m.CommandWritesTotal,
		m.LifecycleTransitionsTotal,
		m.TraversalDuration,
		m.PublishQueueDepth,
		m.BrokerConnected,
		m.BrokerReconnects,
		m.AssetsTracked,
		m.ContextCacheSize,
		m.FidelityScore,
		m.LastPublishTimestamp,
	)
}
