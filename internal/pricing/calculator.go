// Package pricing реализует расчёт стоимости оптовых партий кодов разблокировки.
package pricing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/model"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/validation"
)

// DiscountCalculator описывает контракт движка скидок, используемый калькулятором.
type DiscountCalculator interface {
	Calculate(ctx context.Context, dctx model.DiscountContext) (*model.DiscountCalculation, error)
}

// DefaultTiers возвращает стандартные ценовые ступени оптовой покупки кодов.
func DefaultTiers() []model.PricingTier {
	max1 := 999
	max2 := 4999
	return []model.PricingTier{
		{MinQuantity: 1, MaxQuantity: &max1, PricePerCode: 50},
		{MinQuantity: 1000, MaxQuantity: &max2, PricePerCode: 30},
		{MinQuantity: 5000, MaxQuantity: nil, PricePerCode: 20},
	}
}

// Calculator вычисляет стоимость партии кодов по ценовым ступеням
// и при необходимости накладывает скидочный движок.
type Calculator struct {
	discounts DiscountCalculator
	logger    *zap.Logger
}

// NewCalculator создаёт калькулятор цен с указанным движком скидок.
func NewCalculator(discounts DiscountCalculator, logger *zap.Logger) *Calculator {
	return &Calculator{
		discounts: discounts,
		logger:    logger,
	}
}

// Calculate подбирает ценовую ступень для количества и считает итоговую
// стоимость. Экономия считается относительно самой дорогой (первой) ступени.
// Если tiers пуст, используются стандартные ступени.
func (c *Calculator) Calculate(quantity int, tiers []model.PricingTier) (*model.PricingCalculation, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}

	// Ступени просматриваются от меньшего минимума к большему, чтобы
	// не проскочить более выгодную ступень.
	var selected *model.PricingTier
	for i := range tiers {
		t := tiers[i]
		if quantity < t.MinQuantity {
			continue
		}
		if t.MaxQuantity != nil && quantity > *t.MaxQuantity {
			continue
		}
		selected = &t
		break
	}

	if selected == nil {
		return nil, fmt.Errorf("no pricing tier covers quantity %d", quantity)
	}

	totalCost := float64(quantity) * selected.PricePerCode
	savings := float64(quantity) * (tiers[0].PricePerCode - selected.PricePerCode)

	return &model.PricingCalculation{
		Quantity:     quantity,
		PricePerCode: selected.PricePerCode,
		TotalCost:    totalCost,
		Savings:      savings,
		Tier:         *selected,
	}, nil
}

// CalculateWithDiscounts считает базовую стоимость партии и накладывает
// скидочный движок. При сбое движка возвращается базовая стоимость без
// скидок: расчёт цены обязан завершиться валидной суммой.
func (c *Calculator) CalculateWithDiscounts(ctx context.Context, quantity int, userID string, paymentMethodID *string) (*model.PricingCalculation, error) {
	base, err := c.Calculate(quantity, nil)
	if err != nil {
		return nil, err
	}

	calc, err := c.discounts.Calculate(ctx, model.DiscountContext{
		UserID:          userID,
		PurchaseType:    model.PurchaseTypeUnlockCodes,
		Amount:          base.TotalCost,
		Quantity:        quantity,
		PaymentMethodID: paymentMethodID,
	})
	if err != nil {
		c.logger.Warn("discount calculation failed, falling back to base pricing",
			zap.String("user_id", userID),
			zap.Int("quantity", quantity),
			zap.Error(err),
		)
		return base, nil
	}

	base.Discount = calc
	base.TotalCost = calc.FinalAmount

	return base, nil
}

// ValidateQuantity проверяет количество кодов в заказе.
func (c *Calculator) ValidateQuantity(quantity int) validation.QuantityCheck {
	return validation.ValidateQuantity(quantity)
}
