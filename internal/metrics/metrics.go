// Package metrics exposes the ledger's Prometheus counters. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gameshop_ledger"

type Metrics struct {
	registry *prometheus.Registry

	webhooksReceived  *prometheus.CounterVec
	reconcileOutcomes *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	walletMovements   *prometheus.CounterVec
	payouts           *prometheus.CounterVec
	queueJobs         *prometheus.CounterVec
	outboxRelayed     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		webhooksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Inbound provider webhooks by provider and result",
			},
			[]string{"provider", "result"},
		),
		reconcileOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_outcomes_total",
				Help:      "Reconciliation decisions by outcome",
			},
			[]string{"outcome"},
		),
		reconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconciliation_duration_seconds",
				Help:      "Time spent reconciling one provider event",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		walletMovements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wallet_movements_total",
				Help:      "Wallet ledger entries written by operation",
			},
			[]string{"operation"},
		),
		payouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payouts_total",
				Help:      "Payout state transitions by status",
			},
			[]string{"status"},
		),
		queueJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_jobs_total",
				Help:      "Queue job executions by type and result",
			},
			[]string{"type", "result"},
		),
		outboxRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_relayed_total",
				Help:      "Outbox messages handed to the queue",
			},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) WebhookReceived(provider, result string) {
	if m == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReconcile(provider string, started time.Time) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

func (m *Metrics) WalletMovement(operation string) {
	if m == nil {
		return
	}
	m.walletMovements.WithLabelValues(operation).Inc()
}

func (m *Metrics) PayoutStatus(status string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(status).Inc()
}

func (m *Metrics) QueueJob(jobType, result string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(jobType, result).Inc()
}

func (m *Metrics) OutboxRelayed(n int) {
	if m == nil {
		return
	}
	m.outboxRelayed.Add(float64(n))
}
