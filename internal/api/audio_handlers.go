package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleAudio serves a cached greeting clip by its cache key. Clips are
// 8 kHz mu-law, which audio/basic denotes.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.deps.TTS == nil {
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}
	audio, ok := s.deps.TTS.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}
	w.Header().Set("Content-Type", "audio/basic")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		s.deps.Logger.Warn("writing audio response", "error", err)
	}
}
