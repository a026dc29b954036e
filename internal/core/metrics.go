package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainshare",
			Name:      "chat_turns_total",
			Help:      "Chat turns by terminal outcome.",
		},
		[]string{"outcome"},
	)

	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainshare",
			Name:      "settlements_total",
			Help:      "Fragment and document settlements by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	tokensChargedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chainshare",
			Name:      "tokens_charged_total",
			Help:      "Platform tokens debited for fragments, documents and turn fees.",
		},
	)

	depositsCreditedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chainshare",
			Name:      "deposits_credited_total",
			Help:      "Rail deposits credited to user balances.",
		},
	)

	depositsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chainshare",
			Name:      "deposits_skipped_total",
			Help:      "Rail deposits that can never be credited and were passed over.",
		},
	)

	withdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainshare",
			Name:      "withdrawals_total",
			Help:      "Withdrawal requests by outcome.",
		},
		[]string{"outcome"},
	)

	notificationsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainshare",
			Name:      "notifications_pending",
			Help:      "Content provider notifications not yet delivered.",
		},
	)

	exchangeRateEUR = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainshare",
			Name:      "hbar_eur_rate",
			Help:      "Last fetched HBAR price in euros.",
		},
	)
)
