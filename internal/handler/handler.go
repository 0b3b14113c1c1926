// Package handler содержит HTTP-обработчики API промо-сервиса Shellff.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/middleware"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/model"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/redemption"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/repository"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/validation"
)

// DiscountService определяет контракт движка скидок, используемый HTTP-обработчиками.
type DiscountService interface {
	Calculate(ctx context.Context, dctx model.DiscountContext) (*model.DiscountCalculation, error)
	RecordUsage(ctx context.Context, usage *model.DiscountUsage) error
}

// PricingService определяет контракт калькулятора стоимости партий кодов.
type PricingService interface {
	Calculate(quantity int, tiers []model.PricingTier) (*model.PricingCalculation, error)
	CalculateWithDiscounts(ctx context.Context, quantity int, userID string, paymentMethodID *string) (*model.PricingCalculation, error)
}

// RedemptionService определяет контракт конвейера активации кодов.
type RedemptionService interface {
	Validate(ctx context.Context, code string) *model.ValidationResult
	Redeem(ctx context.Context, attempt redemption.Attempt) *model.RedemptionResult
}

// Store определяет контракт чтения покупок и статистики активаций.
type Store interface {
	GetPurchasesByUser(ctx context.Context, userID string) ([]model.Purchase, error)
	GetRedemptionStats(ctx context.Context, userID string) (*model.RedemptionStats, error)
}

// Handler реализует HTTP-обработчики API промо-сервиса.
type Handler struct {
	discounts      DiscountService
	pricing        PricingService
	redemptions    RedemptionService
	store          Store
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(discounts DiscountService, pricing PricingService, redemptions RedemptionService, store Store, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		discounts:      discounts,
		pricing:        pricing,
		redemptions:    redemptions,
		store:          store,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

// ValidateCode проверяет код разблокировки без его активации.
func (h *Handler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result := h.redemptions.Validate(r.Context(), req.Code)
	h.writeJSON(w, http.StatusOK, result)
}

type redeemCodeRequest struct {
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// RedeemCode активирует код разблокировки для текущего пользователя.
// Результат всегда 200 с телом RedemptionResult: причина отказа — часть
// доменного ответа, а не HTTP-статуса.
func (h *Handler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redeemCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result := h.redemptions.Redeem(r.Context(), redemption.Attempt{
		Code:              req.Code,
		UserID:            userID,
		IP:                clientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: req.DeviceFingerprint,
	})
	h.writeJSON(w, http.StatusOK, result)
}

type pricingRequest struct {
	Quantity int                 `json:"quantity"`
	Tiers    []model.PricingTier `json:"tiers,omitempty"`
}

// CalculatePricing рассчитывает стоимость партии кодов по ценовым ступеням.
func (h *Handler) CalculatePricing(w http.ResponseWriter, r *http.Request) {
	var req pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if check := validation.ValidateQuantity(req.Quantity); !check.OK {
		http.Error(w, check.Err.Error(), http.StatusUnprocessableEntity)
		return
	}

	result, err := h.pricing.Calculate(req.Quantity, req.Tiers)
	if err != nil {
		h.logger.Error("calculate pricing", zap.Int("quantity", req.Quantity), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type pricingWithDiscountsRequest struct {
	Quantity        int     `json:"quantity"`
	PaymentMethodID *string `json:"payment_method_id,omitempty"`
}

// CalculatePricingWithDiscounts рассчитывает стоимость партии кодов
// с учётом скидок текущего пользователя.
func (h *Handler) CalculatePricingWithDiscounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req pricingWithDiscountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if check := validation.ValidateQuantity(req.Quantity); !check.OK {
		http.Error(w, check.Err.Error(), http.StatusUnprocessableEntity)
		return
	}

	result, err := h.pricing.CalculateWithDiscounts(r.Context(), req.Quantity, userID, req.PaymentMethodID)
	if err != nil {
		h.logger.Error("calculate pricing with discounts",
			zap.Int("quantity", req.Quantity),
			zap.String("userID", userID),
			zap.Error(err),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type discountRequest struct {
	PurchaseType    model.PurchaseType `json:"purchase_type"`
	Amount          float64            `json:"amount"`
	Quantity        int                `json:"quantity"`
	PaymentMethodID *string            `json:"payment_method_id,omitempty"`
}

// CalculateDiscounts возвращает расчёт скидок для текущего пользователя.
func (h *Handler) CalculateDiscounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req discountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount < 0 || req.Quantity < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.discounts.Calculate(r.Context(), model.DiscountContext{
		UserID:          userID,
		PurchaseType:    req.PurchaseType,
		Amount:          req.Amount,
		Quantity:        req.Quantity,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("calculate discounts", zap.String("userID", userID), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type discountUsageRequest struct {
	RuleID         string             `json:"rule_id"`
	OrderID        string             `json:"order_id"`
	DiscountAmount float64            `json:"discount_amount"`
	OriginalAmount float64            `json:"original_amount"`
	FinalAmount    float64            `json:"final_amount"`
	PurchaseType   model.PurchaseType `json:"purchase_type"`
}

// RecordDiscountUsage фиксирует применение скидочного правила к
// подтверждённому заказу текущего пользователя.
func (h *Handler) RecordDiscountUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req discountUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.RuleID == "" || req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.discounts.RecordUsage(r.Context(), &model.DiscountUsage{
		UserID:         userID,
		RuleID:         req.RuleID,
		OrderID:        req.OrderID,
		DiscountAmount: req.DiscountAmount,
		OriginalAmount: req.OriginalAmount,
		FinalAmount:    req.FinalAmount,
		PurchaseType:   req.PurchaseType,
	})
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("record discount usage",
			zap.String("userID", userID),
			zap.String("ruleID", req.RuleID),
			zap.Error(err),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type purchaseResponse struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	ReleaseID *string `json:"release_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// GetPurchases возвращает покупки текущего пользователя.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.store.GetPurchasesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get purchases", zap.String("userID", userID), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		resp = append(resp, purchaseResponse{
			ID:        p.ID,
			Type:      string(p.Type),
			Amount:    p.Amount,
			ReleaseID: p.ReleaseID,
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetRedemptionStats возвращает статистику активаций текущего пользователя.
func (h *Handler) GetRedemptionStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.store.GetRedemptionStats(r.Context(), userID)
	if err != nil {
		h.logger.Error("get redemption stats", zap.String("userID", userID), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// clientIP извлекает адрес клиента с учётом обратного прокси.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
