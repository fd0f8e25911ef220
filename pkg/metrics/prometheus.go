package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/citadel-dev/citadel/internal/logger"
)

// Prometheus is the production collector. Create one per process.
type Prometheus struct {
	sessionsActive   *prometheus.GaugeVec
	sessionsTotal    *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	messagesTotal    prometheus.Counter
	messagesPurged   prometheus.Counter
	deliveryAttempts *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

// NewPrometheus registers the server metrics on the default registry.
func NewPrometheus() *Prometheus {
	return &Prometheus{
		sessionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "citadel",
			Name:      "sessions_active",
			Help:      "Live sessions by service.",
		}, []string{"service"}),
		sessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "sessions_total",
			Help:      "Sessions accepted by service.",
		}, []string{"service"}),
		sessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "sessions_ended_total",
			Help:      "Sessions torn down by service and reason.",
		}, []string{"service", "reason"}),
		commandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "citadel",
			Name:      "command_duration_seconds",
			Help:      "Protocol command processing time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "verb"}),
		messagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "messages_submitted_total",
			Help:      "Messages accepted by the store.",
		}),
		messagesPurged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "messages_purged_total",
			Help:      "Messages removed by the refcount reducer.",
		}),
		deliveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "smtp_delivery_attempts_total",
			Help:      "Outbound delivery attempts by SMTP status class.",
		}, []string{"class"}),
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "citadel",
			Name:      "smtp_queue_jobs",
			Help:      "Jobs currently in the outbound queue.",
		}),
	}
}

func (p *Prometheus) SessionStarted(service string) {
	p.sessionsTotal.WithLabelValues(service).Inc()
	p.sessionsActive.WithLabelValues(service).Inc()
}

func (p *Prometheus) SessionEnded(service, reason string) {
	p.sessionsActive.WithLabelValues(service).Dec()
	p.sessionsEnded.WithLabelValues(service, reason).Inc()
}

func (p *Prometheus) CommandProcessed(service, verb string, duration time.Duration) {
	p.commandDuration.WithLabelValues(service, verb).Observe(duration.Seconds())
}

func (p *Prometheus) MessageSubmitted() {
	p.messagesTotal.Inc()
}

func (p *Prometheus) MessagesPurged(count int) {
	p.messagesPurged.Add(float64(count))
}

func (p *Prometheus) DeliveryAttempt(statusClass string) {
	p.deliveryAttempts.WithLabelValues(statusClass).Inc()
}

func (p *Prometheus) QueueDepth(jobs int) {
	p.queueDepth.Set(float64(jobs))
}

var _ Collector = (*Prometheus)(nil)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", logger.KeyPort, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
