package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsTotal counts payments by terminal status
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_payments_total",
			Help: "Total number of payments by terminal status",
		},
		[]string{"status"},
	)

	// PaymentFailures counts failed payments by reason code
	PaymentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_payment_failures_total",
			Help: "Total number of failed payments by reason",
		},
		[]string{"reason"},
	)

	// PaymentDuration tracks time from broadcast request to ledger recording attempt
	PaymentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletd_payment_duration_seconds",
			Help:    "Payment lifecycle duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// PaymentInFlight is 1 while a payment holds the coordinator
	PaymentInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletd_payment_in_flight",
			Help: "Whether a payment is currently in flight",
		},
	)

	// BindingsTotal counts binding attempts by outcome
	BindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_bindings_total",
			Help: "Total number of wallet binding attempts by outcome",
		},
		[]string{"outcome"},
	)

	// IdentityResolutions counts identity resolutions by resulting source
	IdentityResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_identity_resolutions_total",
			Help: "Total number of identity resolutions by source",
		},
		[]string{"source"},
	)

	// SignerMismatches counts resolutions where the signer's active account diverged
	SignerMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walletd_signer_mismatch_total",
			Help: "Total number of signer account mismatches against the canonical address",
		},
	)

	// RateFetches counts rate provider fetches by result
	RateFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_rate_fetches_total",
			Help: "Total number of exchange rate fetches",
		},
		[]string{"result"},
	)

	// RatesStale is 1 while the fallback rate table is installed
	RatesStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletd_rates_stale",
			Help: "Whether the fallback exchange rate table is in use",
		},
	)

	// HistoryRefreshes counts history refreshes by result
	HistoryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_history_refreshes_total",
			Help: "Total number of transaction history refreshes",
		},
		[]string{"result"},
	)

	// ErrorsTotal counts errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)
