package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	UsageRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_usage_records_total",
			Help: "Usage record attempts by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	BilledAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_billed_amount_usd_total",
			Help: "Final cost debited from wallets in USD",
		},
		[]string{"category"},
	)

	WalletBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_wallet_balance_usd",
			Help: "Wallet balance per company in USD",
		},
		[]string{"company_id"},
	)

	MonthSpent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_current_month_spent_usd",
			Help: "Current calendar month spend per company in USD",
		},
		[]string{"company_id"},
	)

	RechargeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_recharge_attempts_total",
			Help: "Wallet recharge attempts by reason and outcome",
		},
		[]string{"reason", "outcome"},
	)

	InvoicesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_invoices_generated_total",
			Help: "Invoices created by status",
		},
		[]string{"status"},
	)

	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_status_transitions_total",
			Help: "Billing status transitions",
		},
		[]string{"from", "to"},
	)
)

// UpdateWalletMetrics publishes the balance gauges for a company.
func UpdateWalletMetrics(companyID string, balance, monthSpent decimal.Decimal) {
	WalletBalance.WithLabelValues(companyID).Set(balance.InexactFloat64())
	MonthSpent.WithLabelValues(companyID).Set(monthSpent.InexactFloat64())
}

// RecordUsage counts one usage attempt.
func RecordUsage(category, outcome string, finalCost decimal.Decimal) {
	UsageRecordsTotal.WithLabelValues(category, outcome).Inc()
	if outcome == "recorded" {
		BilledAmountTotal.WithLabelValues(category).Add(finalCost.InexactFloat64())
	}
}
