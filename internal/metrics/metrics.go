// Package metrics holds the kiosk's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispensesTotal counts dispense attempts by outcome
	// (dispensed, device_fault, timeout, error, admin).
	DispensesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_dispenses_total",
		Help: "Dispense attempts by outcome.",
	}, []string{"outcome"})

	// NotifyFailures counts UDP notifications that exhausted every attempt.
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_udp_notify_failures_total",
		Help: "Companion notifications that exhausted all attempts.",
	})

	// SessionsCreated counts QR sessions issued.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_sessions_created_total",
		Help: "Sessions created at QR issuance.",
	})
)
