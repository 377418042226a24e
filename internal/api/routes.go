package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Bots
	mux.Handle("POST /api/v1/bots", chain(http.HandlerFunc(h.StartBot)))
	mux.Handle("GET /api/v1/bots", chain(http.HandlerFunc(h.ListBots)))
	mux.Handle("GET /api/v1/bots/{id}", chain(http.HandlerFunc(h.GetBot)))
	mux.Handle("DELETE /api/v1/bots/{id}", chain(http.HandlerFunc(h.StopBot)))
	mux.Handle("POST /api/v1/bots/{id}/commands", chain(http.HandlerFunc(h.SendCommand)))

	// Reconcile
	mux.Handle("POST /api/v1/reconcile/{user_id}", chain(http.HandlerFunc(h.ReconcileUser)))
}
