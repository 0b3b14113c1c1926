// Package model содержит доменные сущности промо-системы Shellff.
package model

import (
	"fmt"
	"time"
)

// PurchaseType описывает тип покупки на платформе.
type PurchaseType string

const (
	PurchaseTypeAlbum       PurchaseType = "ALBUM"
	PurchaseTypeTrack       PurchaseType = "TRACK"
	PurchaseTypeUnlockCodes PurchaseType = "UNLOCK_CODES"
	PurchaseTypeWalletTopup PurchaseType = "WALLET_TOPUP"

	// PurchaseTypeAll — сентинел «правило применимо к любому типу покупки».
	PurchaseTypeAll PurchaseType = "ALL"
)

// DiscountKind описывает вид скидочного правила.
type DiscountKind string

const (
	DiscountKindPercentage  DiscountKind = "PERCENTAGE"
	DiscountKindFixedAmount DiscountKind = "FIXED_AMOUNT"
	DiscountKindBuyXGetY    DiscountKind = "BUY_X_GET_Y"
	DiscountKindTiered      DiscountKind = "TIERED"
)

// DiscountTarget описывает область применения скидочного правила.
type DiscountTarget string

const (
	DiscountTargetGlobal        DiscountTarget = "GLOBAL"
	DiscountTargetPurchaseType  DiscountTarget = "PURCHASE_TYPE"
	DiscountTargetPaymentMethod DiscountTarget = "PAYMENT_METHOD"
	DiscountTargetUserTier      DiscountTarget = "USER_TIER"
	DiscountTargetCreatorTier   DiscountTarget = "CREATOR_TIER"
)

// RuleParams — параметры правила, специфичные для его вида.
// Каждый вид скидки описывается собственным типом параметров.
type RuleParams interface {
	Kind() DiscountKind
	Validate() error
}

// PercentageParams — параметры процентной скидки.
type PercentageParams struct {
	Fraction float64 `json:"fraction"`
}

// Kind возвращает вид скидки.
func (p PercentageParams) Kind() DiscountKind { return DiscountKindPercentage }

// Validate проверяет корректность параметров.
func (p PercentageParams) Validate() error {
	if p.Fraction < 0 || p.Fraction > 1 {
		return fmt.Errorf("fraction must be in [0,1], got %v", p.Fraction)
	}
	return nil
}

// FixedAmountParams — параметры скидки с фиксированной суммой.
type FixedAmountParams struct {
	Amount float64 `json:"amount"`
}

// Kind возвращает вид скидки.
func (p FixedAmountParams) Kind() DiscountKind { return DiscountKindFixedAmount }

// Validate проверяет корректность параметров.
func (p FixedAmountParams) Validate() error {
	if p.Amount < 0 {
		return fmt.Errorf("amount cannot be negative, got %v", p.Amount)
	}
	return nil
}

// BuyXGetYParams — параметры скидки «купи X — получи Y».
type BuyXGetYParams struct {
	BuyQuantity int `json:"buy_quantity"`
	GetQuantity int `json:"get_quantity"`
}

// Kind возвращает вид скидки.
func (p BuyXGetYParams) Kind() DiscountKind { return DiscountKindBuyXGetY }

// Validate проверяет корректность параметров.
func (p BuyXGetYParams) Validate() error {
	if p.BuyQuantity <= 0 {
		return fmt.Errorf("buy_quantity must be positive, got %d", p.BuyQuantity)
	}
	if p.GetQuantity <= 0 {
		return fmt.Errorf("get_quantity must be positive, got %d", p.GetQuantity)
	}
	return nil
}

// TierBreakpoint — пороговая точка ступенчатой скидки: минимальное
// количество и доля скидки, действующая начиная с этого количества.
type TierBreakpoint struct {
	MinQuantity int     `json:"min_quantity"`
	Fraction    float64 `json:"fraction"`
}

// TieredParams — параметры ступенчатой скидки.
type TieredParams struct {
	Breakpoints []TierBreakpoint `json:"breakpoints"`
}

// Kind возвращает вид скидки.
func (p TieredParams) Kind() DiscountKind { return DiscountKindTiered }

// Validate проверяет корректность параметров.
func (p TieredParams) Validate() error {
	if len(p.Breakpoints) == 0 {
		return fmt.Errorf("breakpoints are required")
	}
	for _, bp := range p.Breakpoints {
		if bp.MinQuantity <= 0 {
			return fmt.Errorf("breakpoint min_quantity must be positive, got %d", bp.MinQuantity)
		}
		if bp.Fraction < 0 || bp.Fraction > 1 {
			return fmt.Errorf("breakpoint fraction must be in [0,1], got %v", bp.Fraction)
		}
	}
	return nil
}

// DiscountRule описывает настроенное промо-правило.
// Params равен nil, если параметры правила не удалось разобрать:
// такое правило участвует в расчёте с нулевой скидкой.
type DiscountRule struct {
	ID                string
	Name              string
	Kind              DiscountKind
	Target            DiscountTarget
	Params            RuleParams
	IsActive          bool
	StartDate         *time.Time
	EndDate           *time.Time
	MinOrderAmount    *float64
	MaxOrderAmount    *float64
	MinQuantity       *int
	MaxQuantity       *int
	PaymentMethodID   *string
	PurchaseTypes     []PurchaseType
	IsStackable       bool
	Priority          int
	MaxTotalUsage     *int
	MaxUsagePerUser   *int
	CurrentTotalUsage int
}

// DiscountUsage — факт применения правила к завершённому заказу.
type DiscountUsage struct {
	ID             string
	UserID         string
	RuleID         string
	OrderID        string
	DiscountAmount float64
	OriginalAmount float64
	FinalAmount    float64
	PurchaseType   PurchaseType
	CreatedAt      time.Time
}

// DiscountConfig — административная конфигурация скидочной подсистемы.
// Загружается один раз в начале каждого расчёта.
type DiscountConfig struct {
	Enabled               bool
	MaxStackableDiscounts int
	CalculationOrder      string
	AutoApplyBest         bool
}

// SecurityConfig — политика безопасности активаций кодов.
// Загружается один раз в начале каждой попытки активации.
type SecurityConfig struct {
	DeviceLockingEnabled       bool
	IPLockingEnabled           bool
	AllowDeviceChange          bool
	DeviceChangeLimit          int
	MaxRedemptionAttempts      int
	RateLimitWindow            time.Duration
	FraudDetectionEnabled      bool
	SuspiciousAttemptThreshold int
	BlockSuspiciousIPs         bool
	AutoBlockDuration          time.Duration
}

// CodeStatus описывает состояние кода разблокировки.
type CodeStatus string

const (
	CodeStatusUnused   CodeStatus = "unused"
	CodeStatusRedeemed CodeStatus = "redeemed"
)

// UnlockCode — код разблокировки, привязанный к релизу.
type UnlockCode struct {
	ID             string
	Code           string
	Status         CodeStatus
	ReleaseID      string
	RedeemedBy     *string
	RedeemedAt     *time.Time
	DeviceLockedTo *string
	IPLockedTo     *string
	CreatedAt      time.Time
}

// Album описывает релиз, открываемый кодом.
type Album struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Cover      string `json:"cover"`
	TrackCount int    `json:"track_count"`
}

// RedemptionLog — запись аудита одной попытки активации кода.
type RedemptionLog struct {
	ID                string
	CodeID            string
	UserID            string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	Success           bool
	Reason            string
	CreatedAt         time.Time
}

// Purchase — запись о покупке пользователя.
type Purchase struct {
	ID        string
	UserID    string
	Type      PurchaseType
	Amount    float64
	ReleaseID *string
	CreatedAt time.Time
}

// DiscountContext — входной контекст расчёта скидок.
type DiscountContext struct {
	UserID          string
	PurchaseType    PurchaseType
	Amount          float64
	Quantity        int
	PaymentMethodID *string
}

// AppliedDiscount — одна строка детализации применённой скидки.
type AppliedDiscount struct {
	RuleID   string       `json:"rule_id"`
	RuleName string       `json:"rule_name"`
	Kind     DiscountKind `json:"kind"`
	Amount   float64      `json:"amount"`
}

// DiscountCalculation — результат расчёта скидок.
type DiscountCalculation struct {
	OriginalAmount    float64           `json:"original_amount"`
	FinalAmount       float64           `json:"final_amount"`
	TotalDiscount     float64           `json:"total_discount"`
	ApplicableRuleIDs []string          `json:"applicable_rule_ids"`
	Breakdown         []AppliedDiscount `json:"breakdown"`
}

// PricingTier — ценовая ступень оптовой покупки кодов.
// MaxQuantity равен nil для открытой сверху ступени.
type PricingTier struct {
	MinQuantity  int     `json:"min_quantity"`
	MaxQuantity  *int    `json:"max_quantity,omitempty"`
	PricePerCode float64 `json:"price_per_code"`
}

// PricingCalculation — результат расчёта стоимости партии кодов.
type PricingCalculation struct {
	Quantity     int                  `json:"quantity"`
	PricePerCode float64              `json:"price_per_code"`
	TotalCost    float64              `json:"total_cost"`
	Savings      float64              `json:"savings"`
	Tier         PricingTier          `json:"tier"`
	Discount     *DiscountCalculation `json:"discount,omitempty"`
}

// ValidationResult — результат проверки кода без его активации.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	Album *Album `json:"album,omitempty"`
}

// RedemptionResult — результат попытки активации кода.
type RedemptionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Album   *Album `json:"album,omitempty"`
}

// RedemptionStats — статистика активаций пользователя по журналу аудита.
type RedemptionStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
