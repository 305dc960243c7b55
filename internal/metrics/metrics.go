// Package metrics — prometheus-счётчики ядра.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set — инжектируемый набор коллекторов: по экземпляру на процесс,
// никаких пакетных глобалов.
type Set struct {
	reg *prometheus.Registry

	HeartbeatBatches    prometheus.Counter
	DeviceTransitions   *prometheus.CounterVec
	AdmissionDecisions  *prometheus.CounterVec
	ReservationsExpired prometheus.Counter
	SweepErrors         *prometheus.CounterVec
	AssociationsCleaned prometheus.Counter
	EventsDropped       prometheus.Counter
}

func New() *Set {
	s := &Set{reg: prometheus.NewRegistry()}

	s.HeartbeatBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "droidpool_heartbeat_batches_total",
		Help: "Device heartbeat batches applied.",
	})
	s.DeviceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "droidpool_device_transitions_total",
		Help: "Device status transitions by old/new status.",
	}, []string{"from", "to"})
	s.AdmissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "droidpool_admission_decisions_total",
		Help: "Reservation admission outcomes by reason.",
	}, []string{"outcome", "reason"})
	s.ReservationsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "droidpool_reservations_expired_total",
		Help: "Reservations reclaimed by the lease-expiry sweep.",
	})
	s.SweepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "droidpool_sweep_errors_total",
		Help: "Per-entity sweep failures by sweep kind.",
	}, []string{"sweep"})
	s.AssociationsCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "droidpool_associations_cleaned_total",
		Help: "Associations removed by auto-cleanup.",
	})
	s.EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "droidpool_events_dropped_total",
		Help: "Events dropped by the async sink on overflow.",
	})

	s.reg.MustRegister(
		s.HeartbeatBatches,
		s.DeviceTransitions,
		s.AdmissionDecisions,
		s.ReservationsExpired,
		s.SweepErrors,
		s.AssociationsCleaned,
		s.EventsDropped,
	)
	return s
}

// Handler — /metrics.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}
