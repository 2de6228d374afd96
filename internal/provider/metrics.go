package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attend_kernel_duration_seconds",
		Help:    "Time spent inside an attention kernel",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
	}, []string{"kernel"})

	kernelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_kernel_calls_total",
		Help: "Total number of attention kernel invocations",
	}, []string{"kernel"})

	elementsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attend_elements_total",
		Help: "Total number of output elements produced",
	})

	numericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_numerical_instability_total",
		Help: "Outputs containing NaN or Inf values",
	}, []string{"kernel"})

	validationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_validation_errors_total",
		Help: "Rejected requests by reason",
	}, []string{"reason"})

	resultCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_result_cache_total",
		Help: "Result cache lookups by outcome",
	}, []string{"outcome"})
)
