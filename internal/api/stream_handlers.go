package api

import (
	"context"
	"errors"
	"net/http"
)

// handleStream upgrades the carrier's media-stream connection and hands it
// to the dialog runtime, which owns it for the rest of the call.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.deps.Logger.Warn("media stream upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	if err := s.deps.Runtime.HandleStream(r.Context(), conn); err != nil &&
		!errors.Is(err, context.Canceled) {
		s.deps.Logger.Warn("media stream ended with error", "error", err)
	}
}
