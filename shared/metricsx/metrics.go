package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	streamPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_published_total",
			Help: "Domain events appended to a Redis stream.",
		},
		[]string{"stream", "event"},
	)
	streamAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_acked_total",
			Help: "Stream messages acknowledged by the dispatcher.",
		},
		[]string{"stream", "group"},
	)
	streamRedelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_redelivered_total",
			Help: "Stream messages delivered again from the pending list or reclaimed from another consumer.",
		},
		[]string{"stream", "group", "source"},
	)
	handlerInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_handler_invocations_total",
			Help: "Event handler invocations by result.",
		},
		[]string{"event", "handler", "result"},
	)
	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_dispatch_duration_seconds",
			Help:    "Time to run every handler of one stream message.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)
	outboxRelay = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relay_total",
			Help: "Outbox rows processed by the relay by result.",
		},
		[]string{"result"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	cartsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_carts",
			Help: "Carts by status at the last fleet snapshot.",
		},
		[]string{"status"},
	)
	cartsNeedingMaintenance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_carts_needing_maintenance",
			Help: "Carts overdue for maintenance at the last fleet snapshot.",
		},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			streamPublished, streamAcked, streamRedelivered,
			handlerInvocations, dispatchLatency,
			outboxRelay, kafkaConsumerLag, influxWriteFailures, asynqQueueDepth,
			cartsByStatus, cartsNeedingMaintenance, breakerState,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncStreamPublished(stream string, event string) {
	streamPublished.WithLabelValues(stream, event).Inc()
}

func IncStreamAcked(stream string, group string) {
	streamAcked.WithLabelValues(stream, group).Inc()
}

// IncStreamRedelivered counts a re-delivery; source is "pending" or "claimed".
func IncStreamRedelivered(stream string, group string, source string) {
	streamRedelivered.WithLabelValues(stream, group, source).Inc()
}

// IncHandler counts a handler run; result is "ok", "failed" or "panic".
func IncHandler(event string, handler string, result string) {
	handlerInvocations.WithLabelValues(event, handler, result).Inc()
}

func ObserveDispatch(event string, d time.Duration) {
	dispatchLatency.WithLabelValues(event).Observe(d.Seconds())
}

// IncOutboxRelay counts a relayed row; result is "published", "retry" or "dead".
func IncOutboxRelay(result string) {
	outboxRelay.WithLabelValues(result).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetCartsByStatus(status string, n int) {
	cartsByStatus.WithLabelValues(status).Set(float64(n))
}

func SetCartsNeedingMaintenance(n int) {
	cartsNeedingMaintenance.Set(float64(n))
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
