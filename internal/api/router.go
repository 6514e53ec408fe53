package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/flowboard/internal/board"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(b *board.Board, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(b)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Post("/refresh", h.Refresh)

	// Nodes.
	r.Get("/nodes", h.ListChildren)
	r.Post("/nodes", h.CreateNode)
	r.Route("/nodes/{id}", func(r chi.Router) {
		r.Get("/", h.GetNode)
		r.Put("/", h.UpdateNode)
		r.Delete("/", h.DeleteNode)
		r.Post("/move", h.MoveNode)
		r.Post("/complete", h.CompleteNode)
		r.Post("/uncomplete", h.UncompleteNode)
		r.Post("/status", h.SetStatus)
	})

	// Views.
	r.Get("/list", h.List)
	r.Get("/board", h.Board)
	r.Get("/targets", h.Targets)

	// Filters.
	r.Get("/filters/history", h.FilterHistory)
	r.Post("/filters", h.SaveFilter)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
