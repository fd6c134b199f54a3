package chain

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "chain",
		Name:      "rpc_calls_total",
		Help:      "JSON-RPC calls by chain, method and result.",
	}, []string{"chain", "method", "result"})

	rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "amlbot",
		Subsystem: "chain",
		Name:      "rpc_duration_seconds",
		Help:      "JSON-RPC call latency.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"chain", "method"})

	rpcRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "chain",
		Name:      "rpc_retries_total",
		Help:      "JSON-RPC calls retried after a transient error.",
	}, []string{"chain", "method"})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "chain",
		Name:      "breaker_transitions_total",
		Help:      "RPC circuit breaker state changes by chain and target state.",
	}, []string{"chain", "to"})
)

func init() {
	prometheus.MustRegister(rpcCalls, rpcDuration, rpcRetries, breakerTransitions)
}

func observeRPC(c Chain, method string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	rpcCalls.WithLabelValues(string(c), method, result).Inc()
	rpcDuration.WithLabelValues(string(c), method).Observe(time.Since(start).Seconds())
}
