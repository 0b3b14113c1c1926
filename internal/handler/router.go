package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/abtechsolutionagency/shellff-promo-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware промо-сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/codes/validate", h.ValidateCode)
		r.Post("/pricing/calculate", h.CalculatePricing)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/codes/redeem", h.RedeemCode)
			r.Get("/codes/stats", h.GetRedemptionStats)

			r.Post("/pricing/calculate-with-discounts", h.CalculatePricingWithDiscounts)
			r.Post("/discounts/calculate", h.CalculateDiscounts)
			r.Post("/discounts/usage", h.RecordDiscountUsage)

			r.Get("/purchases", h.GetPurchases)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
