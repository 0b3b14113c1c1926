// Package metrics содержит prometheus-метрики промо-системы.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedemptionAttemptsTotal — счётчик попыток активации кодов по исходу.
	RedemptionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promo_redemption_attempts_total",
			Help: "Total unlock code redemption attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RateLimitRejectionsTotal — счётчик отказов из-за превышения лимита попыток.
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promo_rate_limit_rejections_total",
			Help: "Redemption attempts rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// FraudBlocksTotal — счётчик идентификаторов, попавших в блок-лист.
	FraudBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promo_fraud_blocks_total",
			Help: "Identifiers promoted to the fraud block list",
		},
	)

	// DegradedRulesTotal — счётчик правил с нечитаемыми параметрами,
	// участвовавших в расчёте с нулевой скидкой.
	DegradedRulesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promo_degraded_discount_rules_total",
			Help: "Discount rules evaluated with unparsable params (zero discount)",
		},
	)

	// DiscountsAppliedTotal — счётчик применённых скидок по виду правила.
	DiscountsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promo_discounts_applied_total",
			Help: "Discount rules applied to orders by kind",
		},
		[]string{"kind"},
	)
)

// Возможные значения метки outcome для RedemptionAttemptsTotal.
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid_format"
	OutcomeNotFound    = "not_found"
	OutcomeConflict    = "conflict"
	OutcomeRateLimited = "rate_limited"
	OutcomeBlocked     = "fraud_blocked"
	OutcomeError       = "internal_error"
)
