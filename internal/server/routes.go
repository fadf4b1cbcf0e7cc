package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.clearSession)

			r.Post("/message", s.sendMessage)
			r.Post("/abort", s.abortSession)
			r.Post("/checkpoint", s.setCheckpoint)

			r.Delete("/turn/{turnID}", s.removeTurn)
			r.Post("/turn/{turnID}/resend", s.resendTurn)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)

	r.Get("/config", s.getConfig)
}
