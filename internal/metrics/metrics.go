// Package metrics defines prometheus instrumentation for the entitlement
// engine and the ledger service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storygate"

// Reconciliation metrics
var (
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "entitlement",
		Name:      "reconcile_total",
		Help:      "Reconciliation passes by trigger and resulting tier",
	}, []string{"trigger", "tier"})

	RevocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "entitlement",
		Name:      "revocations_total",
		Help:      "Unlimited-to-free downgrades confirmed by the purchase source",
	})

	CreditDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "entitlement",
		Name:      "credit_decisions_total",
		Help:      "Story-credit consumption attempts by outcome",
	}, []string{"outcome"}) // granted, denied, unlimited

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "entitlement",
		Name:      "persistence_failures_total",
		Help:      "Entitlement store writes that failed after the immediate retry",
	})
)

// Sync scheduler metrics
var (
	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Sync dispatch attempts by result",
	}, []string{"result"}) // ok, error

	SyncOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "task_outcomes_total",
		Help:      "Terminal sync task outcomes",
	}, []string{"outcome"}) // delivered, superseded, dropped

	SyncQueueCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "collapsed_total",
		Help:      "Pending sync tasks replaced by a newer task before dispatch",
	})
)

// Ledger service metrics
var (
	LedgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "request_duration_seconds",
		Help:      "Ledger handler latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler"})

	LedgerStaleEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "stale_events_total",
		Help:      "Sync events ignored because a newer event was already applied",
	})

	LedgerMonthlyResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "monthly_resets_total",
		Help:      "Usage records reset at the monthly boundary",
	})
)
