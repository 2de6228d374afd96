package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attend_buffer_pool_hits_total",
		Help: "Total number of scratch buffers served from the pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attend_buffer_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})
)
