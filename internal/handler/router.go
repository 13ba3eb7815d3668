package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/restaflow/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	// Websocket обслуживается вне gzip: сжатый ResponseWriter не поддерживает Hijack.
	r.With(h.auth.Middleware).Get("/ws/orders", h.OrdersStream)

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Route("/api", func(r chi.Router) {
			r.Post("/session", h.StartSession)

			r.Group(func(r chi.Router) {
				r.Use(h.auth.Middleware)

				r.Post("/orders", h.CreateOrder)
				r.Get("/orders", h.ListOrders)
				r.Get("/orders/last-per-table", h.ListLastOrdersPerTable)
				r.Get("/orders/{id}", h.GetOrder)
				r.Put("/orders/{id}/status", h.UpdateStatus)
				r.Put("/orders/{id}/items", h.UpdateItems)
				r.Post("/orders/{id}/move", h.MoveOrder)

				r.Get("/state", h.State)

				r.Get("/refresh", h.RefreshStatus)
				r.Post("/refresh", h.Refresh)
				r.Post("/refresh/toggle", h.ToggleRefresh)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
