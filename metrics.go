package kgeflow

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/kgeflow/metrics"
)

// Observer receives training events. See package metrics.
type Observer = metrics.Observer

// BasicMetrics provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetrics = metrics.Basic

// NewBasicMetrics returns an in-memory collector.
func NewBasicMetrics() *BasicMetrics {
	return metrics.NewBasic()
}

// NewPrometheusMetrics registers the training collectors on reg under
// namespace. A nil reg uses the default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *metrics.Prometheus {
	return metrics.NewPrometheus(reg, namespace)
}
