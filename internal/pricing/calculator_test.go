package pricing

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/model"
)

type stubDiscounts struct {
	calc *model.DiscountCalculation
	err  error
}

func (s *stubDiscounts) Calculate(ctx context.Context, dctx model.DiscountContext) (*model.DiscountCalculation, error) {
	return s.calc, s.err
}

func newTestCalculator(d DiscountCalculator) *Calculator {
	return NewCalculator(d, zap.NewNop())
}

func TestCalculate_TierSelection(t *testing.T) {
	tests := []struct {
		name         string
		quantity     int
		wantPrice    float64
		wantTotal    float64
		wantSavings  float64
	}{
		{"first tier minimum", 1, 50, 50, 0},
		{"first tier upper bound", 999, 50, 49950, 0},
		{"second tier", 1500, 30, 45000, 30000},
		{"second tier lower bound", 1000, 30, 30000, 20000},
		{"third tier open ended", 5000, 20, 100000, 150000},
		{"third tier large", 50000, 20, 1000000, 1500000},
	}

	c := newTestCalculator(&stubDiscounts{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc, err := c.Calculate(tt.quantity, nil)
			if err != nil {
				t.Fatalf("Calculate error: %v", err)
			}
			if calc.PricePerCode != tt.wantPrice {
				t.Errorf("PricePerCode = %v, want %v", calc.PricePerCode, tt.wantPrice)
			}
			if calc.TotalCost != tt.wantTotal {
				t.Errorf("TotalCost = %v, want %v", calc.TotalCost, tt.wantTotal)
			}
			if calc.Savings != tt.wantSavings {
				t.Errorf("Savings = %v, want %v", calc.Savings, tt.wantSavings)
			}
			if tt.quantity < calc.Tier.MinQuantity {
				t.Errorf("selected tier min %d does not cover quantity %d", calc.Tier.MinQuantity, tt.quantity)
			}
			if calc.Tier.MaxQuantity != nil && tt.quantity > *calc.Tier.MaxQuantity {
				t.Errorf("selected tier max %d does not cover quantity %d", *calc.Tier.MaxQuantity, tt.quantity)
			}
			if calc.TotalCost != float64(tt.quantity)*calc.PricePerCode {
				t.Errorf("TotalCost must equal quantity times unit price")
			}
		})
	}
}

func TestCalculate_InvalidQuantity(t *testing.T) {
	c := newTestCalculator(&stubDiscounts{})

	if _, err := c.Calculate(0, nil); err == nil {
		t.Errorf("expected error for zero quantity")
	}
	if _, err := c.Calculate(-10, nil); err == nil {
		t.Errorf("expected error for negative quantity")
	}
}

func TestCalculate_CustomTiersNoCoverage(t *testing.T) {
	c := newTestCalculator(&stubDiscounts{})
	max := 50
	tiers := []model.PricingTier{
		{MinQuantity: 10, MaxQuantity: &max, PricePerCode: 5},
	}

	if _, err := c.Calculate(5, tiers); err == nil {
		t.Errorf("expected error when no tier covers quantity")
	}
	if _, err := c.Calculate(100, tiers); err == nil {
		t.Errorf("expected error when quantity exceeds all tiers")
	}
}

func TestCalculateWithDiscounts_MergesFinalAmount(t *testing.T) {
	d := &stubDiscounts{
		calc: &model.DiscountCalculation{
			OriginalAmount: 45000,
			FinalAmount:    40500,
			TotalDiscount:  4500,
			Breakdown: []model.AppliedDiscount{
				{RuleID: "r1", Kind: model.DiscountKindPercentage, Amount: 4500},
			},
		},
	}
	c := newTestCalculator(d)

	calc, err := c.CalculateWithDiscounts(context.Background(), 1500, "user-1", nil)
	if err != nil {
		t.Fatalf("CalculateWithDiscounts error: %v", err)
	}
	if calc.TotalCost != 40500 {
		t.Errorf("TotalCost = %v, want discounted 40500", calc.TotalCost)
	}
	if calc.Discount == nil || calc.Discount.TotalDiscount != 4500 {
		t.Errorf("Discount = %+v, want attached calculation", calc.Discount)
	}
}

func TestCalculateWithDiscounts_FallsBackOnEngineFailure(t *testing.T) {
	d := &stubDiscounts{err: errors.New("store unavailable")}
	c := newTestCalculator(d)

	calc, err := c.CalculateWithDiscounts(context.Background(), 1500, "user-1", nil)
	if err != nil {
		t.Fatalf("pricing must not propagate discount engine failure, got %v", err)
	}
	if calc.TotalCost != 45000 {
		t.Errorf("TotalCost = %v, want base 45000", calc.TotalCost)
	}
	if calc.Discount != nil {
		t.Errorf("Discount must be empty on fallback")
	}
}

func TestValidateQuantity(t *testing.T) {
	c := newTestCalculator(&stubDiscounts{})

	if check := c.ValidateQuantity(0); check.OK {
		t.Errorf("zero quantity must not pass")
	}
	if check := c.ValidateQuantity(100); !check.OK {
		t.Errorf("valid quantity must pass")
	}
}
