package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "presencectl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	livenessTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "triggers_total",
			Help:      "Liveness triggers by reason and outcome.",
		},
		[]string{"host", "reason", "outcome"},
	)
	presenceDeferred = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "presence_signal_deferred",
			Help:      "1 while a presence activity signal is deferred for a host.",
		},
		[]string{"host"},
	)
	recoveryPrompts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "prompts_total",
			Help:      "Verification failure prompts shown or suppressed as duplicates.",
		},
		[]string{"host", "outcome"},
	)
	recoveryResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "resolutions_total",
			Help:      "Recovery prompt resolutions by choice.",
		},
		[]string{"host", "resolution"},
	)
	endpointConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "connect_attempts_total",
			Help:      "Endpoint connect attempts by result.",
		},
		[]string{"endpoint", "result"},
	)
	endpointPinning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "pinning_enabled",
			Help:      "1 while public key pinning is enforced for an endpoint.",
		},
		[]string{"endpoint"},
	)
	presenceMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "messages_total",
			Help:      "Presence websocket messages by direction and type.",
		},
		[]string{"direction", "type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			livenessTriggers,
			presenceDeferred,
			recoveryPrompts,
			recoveryResolutions,
			endpointConnects,
			endpointPinning,
			presenceMessages,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTrigger(host, reason, outcome string) {
	RegisterMetrics()
	livenessTriggers.WithLabelValues(host, reason, outcome).Inc()
}

func SetPresenceDeferred(host string, deferred bool) {
	RegisterMetrics()
	presenceDeferred.WithLabelValues(host).Set(boolGauge(deferred))
}

func RecordRecoveryPrompt(host string, shown bool) {
	RegisterMetrics()
	outcome := "suppressed"
	if shown {
		outcome = "shown"
	}
	recoveryPrompts.WithLabelValues(host, outcome).Inc()
}

func RecordRecoveryResolution(host, resolution string) {
	RegisterMetrics()
	recoveryResolutions.WithLabelValues(host, resolution).Inc()
}

func RecordEndpointConnect(endpoint, result string) {
	RegisterMetrics()
	endpointConnects.WithLabelValues(endpoint, result).Inc()
}

func SetEndpointPinning(endpoint string, enabled bool) {
	RegisterMetrics()
	endpointPinning.WithLabelValues(endpoint).Set(boolGauge(enabled))
}

func RecordPresenceMessage(direction, msgType string) {
	RegisterMetrics()
	presenceMessages.WithLabelValues(direction, msgType).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
