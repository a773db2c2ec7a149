// Registers:
//
//	#qingxi_messages_total{exchange,kind}
//	#qingxi_parse_errors_total{exchange}
//	#qingxi_reconnects_total{exchange}
//	#qingxi_connection_up{exchange}
//	#qingxi_cleaner_stage_total{cleaner,stage}
//	#qingxi_cleaner_rejections_total{cleaner}
//	#qingxi_clean_latency_seconds{cleaner}
//	#qingxi_pool_exhausted_total
//	#qingxi_batch_errors_total{processor}
//	#qingxi_dropped_total{stage}
//	#qingxi_rest_used_weight{exchange,window}
//	#qingxi_rest_limit_events_total{exchange,event}
//	#go_* and process_* system metrics
//
// Exposes them on <addr>/metrics using Prometheus HTTP handler
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qingxi/logger"
)

// DefaultAddr is used when Init receives an empty address.
const DefaultAddr = "0.0.0.0:2112"

var (
	once sync.Once

	messages       *prometheus.CounterVec
	parseErrors    *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	connectionUp   *prometheus.GaugeVec
	cleanerStage   *prometheus.CounterVec
	cleanerRejects *prometheus.CounterVec
	cleanLatency   *prometheus.HistogramVec
	poolExhausted  prometheus.Counter
	batchErrors    *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	usedWeight     *prometheus.GaugeVec
	limitEvents    *prometheus.CounterVec
)

func newCollectors() []prometheus.Collector {
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_messages_total", Help: "Market data messages received per exchange and kind"},
		[]string{"exchange", "kind"},
	)
	parseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_parse_errors_total", Help: "Frames that failed to parse"},
		[]string{"exchange"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_reconnects_total", Help: "Collector reconnect attempts"},
		[]string{"exchange"},
	)
	connectionUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "qingxi_connection_up", Help: "1 while the collector is streaming"},
		[]string{"exchange"},
	)
	cleanerStage = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_cleaner_stage_total", Help: "Snapshots cleaned per cleaner and stage or mode"},
		[]string{"cleaner", "stage"},
	)
	cleanerRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_cleaner_rejections_total", Help: "Snapshots rejected by the quality gate"},
		[]string{"cleaner"},
	)
	cleanLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qingxi_clean_latency_seconds",
			Help:    "Time spent cleaning one snapshot",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		},
		[]string{"cleaner"},
	)
	poolExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "qingxi_pool_exhausted_total", Help: "Ultra cleanings that fell back to heap buffers"},
	)
	batchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_batch_errors_total", Help: "Batches whose process function failed"},
		[]string{"processor"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_dropped_total", Help: "Messages dropped before reaching the output"},
		[]string{"stage"},
	)
	usedWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "qingxi_rest_used_weight", Help: "Request weight consumed as reported by exchange REST headers"},
		[]string{"exchange", "window"},
	)
	limitEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qingxi_rest_limit_events_total", Help: "REST responses signalling a rate limit or an IP ban"},
		[]string{"exchange", "event"},
	)
	return []prometheus.Collector{
		messages, parseErrors, reconnects, connectionUp, cleanerStage,
		cleanerRejects, cleanLatency, poolExhausted, batchErrors, dropped,
		usedWeight, limitEvents,
	}
}

// Init registers the collectors and serves them on addr. Only the first call
// has an effect.
func Init(addr string) {
	once.Do(func() {
		for _, c := range newCollectors() {
			_ = prometheus.Register(c)
		}
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			addr = DefaultAddr
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// IncMessage counts one received message.
func IncMessage(exchange, kind string) {
	if messages != nil {
		messages.WithLabelValues(exchange, kind).Inc()
	}
}

func IncParseError(exchange string) {
	if parseErrors != nil {
		parseErrors.WithLabelValues(exchange).Inc()
	}
}

func IncReconnect(exchange string) {
	if reconnects != nil {
		reconnects.WithLabelValues(exchange).Inc()
	}
}

// SetConnectionUp flips the per-exchange connection gauge.
func SetConnectionUp(exchange string, up bool) {
	if connectionUp == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	connectionUp.WithLabelValues(exchange).Set(v)
}

// ObserveClean records a cleaning outcome. An empty stage counts a rejection.
func ObserveClean(cleaner, stage string, latency time.Duration) {
	if cleanerStage == nil {
		return
	}
	if stage == "" {
		cleanerRejects.WithLabelValues(cleaner).Inc()
	} else {
		cleanerStage.WithLabelValues(cleaner, stage).Inc()
	}
	cleanLatency.WithLabelValues(cleaner).Observe(latency.Seconds())
}

func AddPoolExhausted(n uint64) {
	if poolExhausted != nil && n > 0 {
		poolExhausted.Add(float64(n))
	}
}

func IncBatchError(processor string) {
	if batchErrors != nil {
		batchErrors.WithLabelValues(processor).Inc()
	}
}

func incDropped(stage string) {
	if dropped != nil {
		dropped.WithLabelValues(stage).Inc()
	}
}

func SetUsedWeight(exchange, window string, used float64) {
	if usedWeight != nil {
		usedWeight.WithLabelValues(exchange, window).Set(used)
	}
}

// IncLimitEvent counts a rate_limit or ip_ban response.
func IncLimitEvent(exchange, event string) {
	if limitEvents != nil {
		limitEvents.WithLabelValues(exchange, event).Inc()
	}
}
