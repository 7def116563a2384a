package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	seatLocksGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seat_locks_granted_total",
		Help: "The total number of seat locks granted",
	})
	seatLocksRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_locks_refused_total",
		Help: "Seat lock attempts refused, by reason",
	}, []string{"reason"})
	seatLocksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seat_locks_expired_total",
		Help: "Expired seat locks cleared by the sweep",
	})

	paymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_session_transitions_total",
		Help: "Payment session transitions applied, by target status",
	}, []string{"status"})
	gatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_requests_total",
		Help: "Calls to the M-Pesa API, by operation and result",
	}, []string{"operation", "result"})
	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpesa_request_duration_seconds",
		Help:    "Latency of M-Pesa API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	bookingsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_confirmed_total",
		Help: "Bookings written by the finalizer",
	})
	refundsRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_refund_required_total",
		Help: "Paid sessions that could not be turned into a booking",
	})

	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_tasks_processed_total",
		Help: "Reconciliation tasks handled by the worker, by type and result",
	}, []string{"type", "result"})
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_job_runs_total",
		Help: "Scheduled reconciliation job runs, by job and result",
	}, []string{"job", "result"})

	notificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_publish_errors_total",
		Help: "Failed notification publishes, by event",
	}, []string{"event"})
)
