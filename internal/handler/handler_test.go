package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/middleware"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/model"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/redemption"
)

const testUserID = "7f0b6f2a-9a4e-4a6f-9a61-0d8f3a3c1b42"

type stubDiscounts struct {
	resp *model.DiscountCalculation
	err  error

	usageErr  error
	lastUsage *model.DiscountUsage
}

func (s *stubDiscounts) Calculate(_ context.Context, _ model.DiscountContext) (*model.DiscountCalculation, error) {
	return s.resp, s.err
}

func (s *stubDiscounts) RecordUsage(_ context.Context, usage *model.DiscountUsage) error {
	s.lastUsage = usage
	return s.usageErr
}

type stubPricing struct {
	resp *model.PricingCalculation
	err  error
}

func (s *stubPricing) Calculate(_ int, _ []model.PricingTier) (*model.PricingCalculation, error) {
	return s.resp, s.err
}

func (s *stubPricing) CalculateWithDiscounts(_ context.Context, _ int, _ string, _ *string) (*model.PricingCalculation, error) {
	return s.resp, s.err
}

type stubRedemptions struct {
	validateResp *model.ValidationResult
	redeemResp   *model.RedemptionResult

	lastAttempt redemption.Attempt
}

func (s *stubRedemptions) Validate(_ context.Context, _ string) *model.ValidationResult {
	return s.validateResp
}

func (s *stubRedemptions) Redeem(_ context.Context, attempt redemption.Attempt) *model.RedemptionResult {
	s.lastAttempt = attempt
	return s.redeemResp
}

type stubStore struct {
	purchases []model.Purchase
	stats     *model.RedemptionStats
	err       error
}

func (s *stubStore) GetPurchasesByUser(_ context.Context, _ string) ([]model.Purchase, error) {
	return s.purchases, s.err
}

func (s *stubStore) GetRedemptionStats(_ context.Context, _ string) (*model.RedemptionStats, error) {
	return s.stats, s.err
}

type handlerStubs struct {
	discounts   *stubDiscounts
	pricing     *stubPricing
	redemptions *stubRedemptions
	store       *stubStore
}

func newTestHandler(t *testing.T, stubs handlerStubs) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	if stubs.discounts == nil {
		stubs.discounts = &stubDiscounts{}
	}
	if stubs.pricing == nil {
		stubs.pricing = &stubPricing{}
	}
	if stubs.redemptions == nil {
		stubs.redemptions = &stubRedemptions{}
	}
	if stubs.store == nil {
		stubs.store = &stubStore{}
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(stubs.discounts, stubs.pricing, stubs.redemptions, stubs.store, logger, auth)
}

func authedRequest(t *testing.T, h *Handler, method, target string, body []byte) *http.Request {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, testUserID)
	req.AddCookie(rec.Result().Cookies()[0])

	return req
}

func TestValidateCode_ReturnsResult(t *testing.T) {
	stubs := handlerStubs{
		redemptions: &stubRedemptions{
			validateResp: &model.ValidationResult{Valid: true, Album: &model.Album{Title: "Test"}},
		},
	}
	h := newTestHandler(t, stubs)

	body, _ := json.Marshal(validateCodeRequest{Code: "SH1234"})
	req := httptest.NewRequest(http.MethodPost, "/api/codes/validate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ValidateCode(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var result model.ValidationResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Valid || result.Album == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRedeemCode_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, handlerStubs{})

	body, _ := json.Marshal(redeemCodeRequest{Code: "SH1234"})
	req := httptest.NewRequest(http.MethodPost, "/api/codes/redeem", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.RedeemCode))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestRedeemCode_PassesRequestIdentifiers(t *testing.T) {
	stub := &stubRedemptions{
		redeemResp: &model.RedemptionResult{Success: true, Album: &model.Album{Title: "Test"}},
	}
	h := newTestHandler(t, handlerStubs{redemptions: stub})

	body, _ := json.Marshal(redeemCodeRequest{Code: "sh1234", DeviceFingerprint: "dev-A"})
	req := authedRequest(t, h, http.MethodPost, "/api/codes/redeem", body)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "test-agent")

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.RedeemCode))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	if stub.lastAttempt.UserID != testUserID {
		t.Fatalf("user id = %q, want %q", stub.lastAttempt.UserID, testUserID)
	}
	if stub.lastAttempt.IP != "203.0.113.7" {
		t.Fatalf("ip = %q, want first X-Forwarded-For entry", stub.lastAttempt.IP)
	}
	if stub.lastAttempt.DeviceFingerprint != "dev-A" {
		t.Fatalf("fingerprint = %q, want dev-A", stub.lastAttempt.DeviceFingerprint)
	}
	if stub.lastAttempt.UserAgent != "test-agent" {
		t.Fatalf("user agent = %q, want test-agent", stub.lastAttempt.UserAgent)
	}
}

func TestCalculatePricing_RejectsInvalidQuantity(t *testing.T) {
	h := newTestHandler(t, handlerStubs{})

	body, _ := json.Marshal(pricingRequest{Quantity: 0})
	req := httptest.NewRequest(http.MethodPost, "/api/pricing/calculate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CalculatePricing(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestCalculatePricing_JSONResponse(t *testing.T) {
	stubs := handlerStubs{
		pricing: &stubPricing{
			resp: &model.PricingCalculation{
				Quantity:     1500,
				PricePerCode: 30,
				TotalCost:    45000,
				Savings:      30000,
			},
		},
	}
	h := newTestHandler(t, stubs)

	body, _ := json.Marshal(pricingRequest{Quantity: 1500})
	req := httptest.NewRequest(http.MethodPost, "/api/pricing/calculate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CalculatePricing(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var result model.PricingCalculation
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.TotalCost != 45000 {
		t.Fatalf("total cost = %v, want 45000", result.TotalCost)
	}
}

func TestCalculateDiscounts_RejectsNegativeAmount(t *testing.T) {
	h := newTestHandler(t, handlerStubs{})

	body, _ := json.Marshal(discountRequest{PurchaseType: model.PurchaseTypeAlbum, Amount: -1})
	req := authedRequest(t, h, http.MethodPost, "/api/discounts/calculate", body)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CalculateDiscounts))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestRecordDiscountUsage_UsesAuthenticatedUser(t *testing.T) {
	stub := &stubDiscounts{}
	h := newTestHandler(t, handlerStubs{discounts: stub})

	body, _ := json.Marshal(discountUsageRequest{
		RuleID:         "rule-1",
		OrderID:        "order-1",
		DiscountAmount: 10,
		OriginalAmount: 100,
		FinalAmount:    90,
		PurchaseType:   model.PurchaseTypeAlbum,
	})
	req := authedRequest(t, h, http.MethodPost, "/api/discounts/usage", body)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.RecordDiscountUsage))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if stub.lastUsage == nil || stub.lastUsage.UserID != testUserID {
		t.Fatalf("usage must carry the authenticated user, got %+v", stub.lastUsage)
	}
}

func TestRecordDiscountUsage_RequiresRuleAndOrder(t *testing.T) {
	h := newTestHandler(t, handlerStubs{})

	body, _ := json.Marshal(discountUsageRequest{RuleID: "", OrderID: "order-1"})
	req := authedRequest(t, h, http.MethodPost, "/api/discounts/usage", body)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.RecordDiscountUsage))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestGetPurchases_NoContent(t *testing.T) {
	h := newTestHandler(t, handlerStubs{store: &stubStore{purchases: []model.Purchase{}}})

	req := authedRequest(t, h, http.MethodGet, "/api/purchases", nil)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetPurchases))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetPurchases_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	releaseID := "release-1"
	stubs := handlerStubs{
		store: &stubStore{
			purchases: []model.Purchase{
				{
					ID:        "purchase-1",
					UserID:    testUserID,
					Type:      model.PurchaseTypeUnlockCodes,
					Amount:    0,
					ReleaseID: &releaseID,
					CreatedAt: now,
				},
			},
		},
	}
	h := newTestHandler(t, stubs)

	req := authedRequest(t, h, http.MethodGet, "/api/purchases", nil)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetPurchases))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []purchaseResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Type != string(model.PurchaseTypeUnlockCodes) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetRedemptionStats_JSONResponse(t *testing.T) {
	stubs := handlerStubs{
		store: &stubStore{stats: &model.RedemptionStats{Total: 5, Succeeded: 3, Failed: 2}},
	}
	h := newTestHandler(t, stubs)

	req := authedRequest(t, h, http.MethodGet, "/api/codes/stats", nil)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetRedemptionStats))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var stats model.RedemptionStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 5 || stats.Succeeded != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
