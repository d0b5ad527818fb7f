package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Node CRUD.
	r.Get("/nodes", h.ListNodes)
	r.Post("/nodes", h.CreateNode)
	r.Get("/nodes/*", h.GetNode)
	r.Put("/nodes/*", h.UpdateNode)
	r.Delete("/nodes/*", h.DeleteNode)
	r.Post("/mv", h.MoveNode)
	r.Post("/cp", h.CopyNode)

	// Search and schema.
	r.Get("/find", h.Find)
	r.Get("/grep", h.Grep)
	r.Get("/tags", h.Tags)
	r.Get("/schema", h.Schema)
	r.Get("/tree", h.Tree)

	// Types.
	r.Get("/types", h.ListTypes)
	r.Post("/types", h.AddType)
	r.Delete("/types/{name}", h.RemoveType)

	// Graph.
	r.Get("/graph", h.GraphData)
	r.Get("/read/*", h.ReadNode)
	r.Get("/backlinks/*", h.Backlinks)

	// Changelog and replication.
	r.Get("/changelog", h.Changelog)
	r.Post("/push", h.Push)
	r.Post("/pull", h.Pull)

	// Raw SQL passthrough.
	r.Post("/query", h.Query)

	// SSE endpoint (protected by the same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
