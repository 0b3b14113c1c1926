// Package discount реализует движок расчёта скидок промо-системы.
package discount

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/metrics"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/model"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый движком скидок.
type Repository interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	GetDiscountConfig(ctx context.Context) (*model.DiscountConfig, error)
	GetActiveDiscountRules(ctx context.Context, at time.Time) ([]model.DiscountRule, error)
	CountRuleUsageByUser(ctx context.Context, userID, ruleID string) (int, error)
	RecordDiscountUsage(ctx context.Context, usage *model.DiscountUsage) error
}

// Engine вычисляет итоговую сумму покупки после применения скидочных правил.
type Engine struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine создаёт движок скидок с указанным репозиторием.
func NewEngine(repo Repository, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Calculate вычисляет итоговую сумму покупки и детализацию применённых скидок.
// Операция не имеет побочных эффектов: только чтение и вычисление.
func (e *Engine) Calculate(ctx context.Context, dctx model.DiscountContext) (*model.DiscountCalculation, error) {
	exists, err := e.repo.UserExists(ctx, dctx.UserID)
	if err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return nil, repository.ErrUserNotFound
	}

	calc := &model.DiscountCalculation{
		OriginalAmount:    dctx.Amount,
		FinalAmount:       dctx.Amount,
		ApplicableRuleIDs: []string{},
		Breakdown:         []model.AppliedDiscount{},
	}

	cfg, err := e.repo.GetDiscountConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load discount config: %w", err)
	}
	if !cfg.Enabled {
		// Скидки выключены глобально: правила не читаются вовсе.
		return calc, nil
	}

	rules, err := e.repo.GetActiveDiscountRules(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("load discount rules: %w", err)
	}

	applicable := make([]model.DiscountRule, 0, len(rules))
	for _, rule := range rules {
		ok, err := e.isApplicable(ctx, rule, dctx)
		if err != nil {
			return nil, err
		}
		if ok {
			applicable = append(applicable, rule)
			calc.ApplicableRuleIDs = append(calc.ApplicableRuleIDs, rule.ID)
		}
	}

	running := dctx.Amount
	applied := 0

	for _, rule := range applicable {
		if applied >= cfg.MaxStackableDiscounts {
			break
		}
		// Нескладываемое правило может быть только первым применённым:
		// если что-то уже применено, оно останавливает оценку целиком.
		if !rule.IsStackable && applied > 0 {
			break
		}

		amount := e.ruleDiscount(rule, running, dctx.Quantity)
		if amount <= 0 {
			continue
		}

		running -= amount
		applied++
		calc.Breakdown = append(calc.Breakdown, model.AppliedDiscount{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Kind:     rule.Kind,
			Amount:   amount,
		})
		metrics.DiscountsAppliedTotal.WithLabelValues(string(rule.Kind)).Inc()

		// Применённое нескладываемое правило исключает все последующие.
		if !rule.IsStackable {
			break
		}
	}

	if running < 0 {
		running = 0
	}

	calc.FinalAmount = running
	// Итог пересчитывается от исходной суммы, чтобы исключить накопление
	// погрешности пошаговых вычитаний.
	calc.TotalDiscount = calc.OriginalAmount - calc.FinalAmount

	return calc, nil
}

func (e *Engine) isApplicable(ctx context.Context, rule model.DiscountRule, dctx model.DiscountContext) (bool, error) {
	// Совместимость области применения: правила по способу оплаты требуют
	// точного совпадения, остальные области проверяются дальше по контексту.
	if rule.Target == model.DiscountTargetPaymentMethod {
		if rule.PaymentMethodID == nil || dctx.PaymentMethodID == nil || *rule.PaymentMethodID != *dctx.PaymentMethodID {
			return false, nil
		}
	}

	if !supportsPurchaseType(rule.PurchaseTypes, dctx.PurchaseType) {
		return false, nil
	}

	if rule.MinOrderAmount != nil && dctx.Amount < *rule.MinOrderAmount {
		return false, nil
	}
	if rule.MaxOrderAmount != nil && dctx.Amount > *rule.MaxOrderAmount {
		return false, nil
	}

	if rule.MinQuantity != nil && dctx.Quantity < *rule.MinQuantity {
		return false, nil
	}
	if rule.MaxQuantity != nil && dctx.Quantity > *rule.MaxQuantity {
		return false, nil
	}

	if rule.MaxTotalUsage != nil && rule.CurrentTotalUsage >= *rule.MaxTotalUsage {
		return false, nil
	}

	if rule.MaxUsagePerUser != nil {
		used, err := e.repo.CountRuleUsageByUser(ctx, dctx.UserID, rule.ID)
		if err != nil {
			return false, fmt.Errorf("count rule usage: %w", err)
		}
		if used >= *rule.MaxUsagePerUser {
			return false, nil
		}
	}

	return true, nil
}

func supportsPurchaseType(types []model.PurchaseType, t model.PurchaseType) bool {
	for _, pt := range types {
		if pt == t || pt == model.PurchaseTypeAll {
			return true
		}
	}
	return false
}

// ruleDiscount вычисляет сумму скидки правила от текущей (не исходной) суммы.
func (e *Engine) ruleDiscount(rule model.DiscountRule, running float64, quantity int) float64 {
	if rule.Params == nil {
		// Параметры правила не разобрались при чтении: нулевая скидка.
		e.logger.Warn("discount rule without params, zero discount",
			zap.String("rule_id", rule.ID),
			zap.String("rule_name", rule.Name),
		)
		return 0
	}

	switch params := rule.Params.(type) {
	case model.PercentageParams:
		return running * params.Fraction
	case model.FixedAmountParams:
		if params.Amount > running {
			return running
		}
		return params.Amount
	case model.BuyXGetYParams:
		if quantity <= 0 || params.BuyQuantity <= 0 {
			return 0
		}
		sets := quantity / params.BuyQuantity
		perUnit := running / float64(quantity)
		return float64(sets*params.GetQuantity) * perUnit
	case model.TieredParams:
		return tieredDiscount(params.Breakpoints, running, quantity)
	default:
		e.logger.Warn("unknown discount params type, zero discount",
			zap.String("rule_id", rule.ID),
			zap.String("kind", string(rule.Kind)),
		)
		return 0
	}
}

// tieredDiscount применяет долю наибольшего порога, который удовлетворяет
// количество. Пороги оцениваются от большего минимума к меньшему.
func tieredDiscount(breakpoints []model.TierBreakpoint, running float64, quantity int) float64 {
	sorted := make([]model.TierBreakpoint, len(breakpoints))
	copy(sorted, breakpoints)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinQuantity > sorted[j].MinQuantity
	})

	for _, bp := range sorted {
		if quantity >= bp.MinQuantity {
			return running * bp.Fraction
		}
	}

	return 0
}

// RecordUsage фиксирует применение правила к подтверждённому заказу.
// Запись об использовании и инкремент счётчика правила выполняются в одной
// транзакции хранилища. Операция не идемпотентна: повторный вызов после
// неоднозначного сбоя задвоит учёт.
func (e *Engine) RecordUsage(ctx context.Context, usage *model.DiscountUsage) error {
	if usage.UserID == "" || usage.RuleID == "" || usage.OrderID == "" {
		return fmt.Errorf("user_id, rule_id and order_id are required")
	}
	return e.repo.RecordDiscountUsage(ctx, usage)
}
