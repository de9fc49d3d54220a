// Package metrics holds the Prometheus instruments of the booking engine.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Attempt results.
const (
	ResultBooked       = "booked"
	ResultNotBooked    = "not_booked"
	ResultFull         = "full"
	ResultNotAvailable = "not_available"
	ResultTransient    = "transient"
	ResultFatal        = "fatal"
)

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	WorkersActive prometheus.Gauge
	Attempts      *prometheus.CounterVec // by result
	WorkerExits   *prometheus.CounterVec // by reason
	Notifications *prometheus.CounterVec // by status
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wodbooker_workers_active",
			Help: "Number of booking workers currently running",
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wodbooker_booking_attempts_total",
			Help: "Booking attempts against WodBuster by result",
		}, []string{"result"}),
		WorkerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wodbooker_worker_exits_total",
			Help: "Booking worker exits by reason",
		}, []string{"reason"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wodbooker_notifications_total",
			Help: "Notification requests by delivery status",
		}, []string{"status"}), // sent, failed, dropped, skipped
	}
	for _, c := range []prometheus.Collector{m.WorkersActive, m.Attempts, m.WorkerExits, m.Notifications} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register booking metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.WorkersActive.Inc()
	}
}

func (m *Metrics) WorkerExited(reason string) {
	if m != nil {
		m.WorkersActive.Dec()
		m.WorkerExits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Attempt(result string) {
	if m != nil {
		m.Attempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Notification(status string) {
	if m != nil {
		m.Notifications.WithLabelValues(status).Inc()
	}
}
