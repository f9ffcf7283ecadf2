package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches all application routes to mux.
// Keeping this separate from handlers.go means the full route surface
// is visible at a glance without scrolling through handler logic.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Reservations
	mux.HandleFunc("POST /reservations", h.CreateReservation)
	mux.HandleFunc("GET /reservations/{id}", h.GetReservation)
	mux.HandleFunc("DELETE /reservations/{id}", h.CancelReservation)

	// Checkout (driven by the external payment collaborator)
	mux.HandleFunc("POST /orders/checkout", h.Checkout)

	// Availability
	mux.HandleFunc("GET /products/{sku}/availability", h.GetAvailability)

	// Observability
	mux.Handle("GET /metrics", promhttp.Handler())
}
