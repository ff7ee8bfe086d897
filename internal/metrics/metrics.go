package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campus_parking"

var (
	once sync.Once

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Count of bookings entering each status.",
		},
		[]string{"status"},
	)

	reconcilerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_conflicts_total",
			Help:      "Count of space/lot writes that lost a race and were retried.",
		},
	)

	hubActiveListeners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_active_listeners",
			Help:      "Open change-feed watches held by the subscription hub.",
		},
	)

	sweepRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_repairs_total",
			Help:      "Count of inconsistencies repaired by the consistency sweep.",
		},
		[]string{"kind"},
	)

	expiryChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_checks_total",
			Help:      "Count of booking expiry checks by outcome.",
		},
		[]string{"result"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(bookingTransitions, reconcilerConflicts, hubActiveListeners, sweepRepairs, expiryChecks)
	})
}

func IncBookingTransition(status string) {
	bookingTransitions.WithLabelValues(status).Inc()
}

func IncReconcilerConflict() {
	reconcilerConflicts.Inc()
}

func SetHubActiveListeners(n int) {
	hubActiveListeners.Set(float64(n))
}

func AddSweepRepairs(kind string, n int) {
	if n > 0 {
		sweepRepairs.WithLabelValues(kind).Add(float64(n))
	}
}

func IncExpiryCheck(result string) {
	expiryChecks.WithLabelValues(result).Inc()
}
