package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/voxjournal/voxjournal/internal/call"
	"github.com/voxjournal/voxjournal/internal/database"
	"github.com/voxjournal/voxjournal/internal/database/models"
	"github.com/voxjournal/voxjournal/internal/provider/telephony"
	"github.com/voxjournal/voxjournal/internal/provider/tts"
)

// rejectMessage is spoken to callers the engine has no live call for, such
// as someone dialing the outbound number back.
const rejectMessage = "This number places automated reflection calls and cannot receive calls. Goodbye."

// handleAnswer is the carrier's answer webhook. It marks the call connected
// and responds with instructions to play the greeting and open the media
// stream. Delivery is at-least-once; a repeat for a connected call returns
// the same instructions.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	sid := r.PostFormValue("CallSid")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "CallSid is required")
		return
	}
	log := s.deps.Logger.With("call_sid", sid)

	pc, err := s.deps.Calls.GetBySID(r.Context(), sid)
	if errors.Is(err, database.ErrNotFound) {
		if r.URL.Query().Get("retry") == "" {
			// The dispatcher may still be committing the SID it got back
			// from PlaceCall. Park the caller briefly and have the carrier
			// ask once more before giving up on the call.
			log.Info("answer webhook ahead of call row, holding")
			s.writeInstructions(w, log, telephony.HoldInstructions(s.deps.Cfg.WebhookURL("/telephony/answer?retry=1")))
			return
		}
		log.Info("answer webhook for unknown call, rejecting")
		s.writeInstructions(w, log, telephony.RejectInstructions(rejectMessage))
		return
	}
	if err != nil {
		log.Error("answer webhook: loading call", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pc.Status.Terminal() {
		// Already finalized, likely a late retry of the webhook.
		s.writeInstructions(w, log, telephony.RejectInstructions(rejectMessage))
		return
	}

	if pc.Status == models.CallInitiated {
		if err := s.deps.Calls.MarkConnected(r.Context(), pc.ID, s.deps.Clock.Now()); err != nil {
			log.Error("answer webhook: marking connected", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	greetingURL := s.greetingURL(r, pc.UserID)
	log.Info("call answered", "call_id", pc.ID, "greeting", greetingURL != "")
	s.writeInstructions(w, log, telephony.AnswerInstructions(greetingURL, s.deps.Cfg.StreamURL()))
}

// greetingURL synthesizes the per-user greeting into the audio cache and
// returns its hosted URL. A synthesis failure degrades to no greeting; the
// dialog proceeds straight to the first prompt.
func (s *Server) greetingURL(r *http.Request, userID string) string {
	if s.deps.TTS == nil {
		return ""
	}
	profile, err := s.deps.Profiles.Get(r.Context(), userID)
	if err != nil {
		s.deps.Logger.Warn("greeting: loading profile", "user_id", userID, "error", err)
		return ""
	}
	text := greetingText(profile)
	if _, err := s.deps.TTS.Synthesize(r.Context(), text, s.deps.Voice); err != nil {
		s.deps.Logger.Warn("greeting synthesis failed", "user_id", userID, "error", err)
		return ""
	}
	return s.deps.Cfg.WebhookURL("/audio/" + tts.Key(text, s.deps.Voice))
}

func greetingText(profile *models.Profile) string {
	name := profile.NamePronunciation
	if name == "" {
		name = profile.DisplayName
	}
	if name == "" {
		return "Hello. It's time for your daily reflection."
	}
	return "Hello, " + name + ". It's time for your daily reflection."
}

// handleStatus is the carrier's call-status webhook, the authority on how a
// call ended when the dialog runtime did not finish it first. Non-terminal
// notifications and repeats are acknowledged and dropped.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	sid := r.PostFormValue("CallSid")
	carrierStatus := r.PostFormValue("CallStatus")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "CallSid is required")
		return
	}
	log := s.deps.Logger.With("call_sid", sid, "carrier_status", carrierStatus)

	outcome, terminal := call.OutcomeFromCarrier(carrierStatus)
	if !terminal {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Stop the dialog task first so it cannot race these writes.
	s.deps.Runtime.CancelCall(sid)

	pc, err := s.deps.Calls.GetBySID(r.Context(), sid)
	if errors.Is(err, database.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		log.Error("status webhook: loading call", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pc.Status.Terminal() {
		// The runtime or an earlier delivery already settled the call.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	final := outcome
	if outcome == models.CallCompleted {
		// "completed" without a local completion means the caller hung up
		// mid-dialog. A completed carrier leg that never connected counts
		// as a plain failure.
		if pc.Status == models.CallConnected {
			final = models.CallAbandoned
		} else {
			final = models.CallFailed
		}
	}

	now := s.deps.Clock.Now()
	if err := s.deps.Calls.Finish(r.Context(), pc.ID, final, now); err != nil {
		log.Error("status webhook: finishing call", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	log.Info("call finalized from carrier status", "call_id", pc.ID, "status", final)

	s.settleScheduled(r, log, pc, final, carrierStatus)
	w.WriteHeader(http.StatusNoContent)
}

// settleScheduled resolves the queue row behind a carrier-finalized call.
// Every outcome short of a normal completion goes back through the
// dispatcher's retry path; a mid-call hangup additionally abandons the
// session, which a later redial reopens.
func (s *Server) settleScheduled(r *http.Request, log *slog.Logger, pc *models.PhoneCall, final models.CallStatus, carrierStatus string) {
	sc, err := s.deps.Scheduled.GetBySession(r.Context(), pc.SessionID)
	if errors.Is(err, database.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("status webhook: loading scheduled call", "error", err)
		return
	}
	if sc.Status != models.ScheduledInProgress {
		return
	}

	if final == models.CallAbandoned {
		if err := s.deps.Sessions.Finish(r.Context(), pc.SessionID, models.SessionAbandoned, s.deps.Clock.Now()); err != nil {
			log.Error("status webhook: abandoning session", "error", err)
		}
	}
	if call.Retryable(final) {
		s.deps.Dispatcher.RetryOrFail(r.Context(), sc, "carrier reported "+carrierStatus)
	}
}

// handleRecording stores the carrier's recording URL, encrypted with the
// owner's derived key, against the session.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	sid := r.PostFormValue("CallSid")
	recordingURL := r.PostFormValue("RecordingUrl")
	if sid == "" || recordingURL == "" {
		writeError(w, http.StatusBadRequest, "CallSid and RecordingUrl are required")
		return
	}
	log := s.deps.Logger.With("call_sid", sid)

	pc, err := s.deps.Calls.GetBySID(r.Context(), sid)
	if errors.Is(err, database.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		log.Error("recording webhook: loading call", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.deps.Crypto == nil {
		log.Warn("recording webhook: no encryption key configured, dropping recording url")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ciphertext, err := s.deps.Crypto.EncryptRecordingURL(pc.UserID, recordingURL)
	if err != nil {
		log.Error("recording webhook: encrypting url", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.deps.Sessions.SetRecordingURL(r.Context(), pc.SessionID, ciphertext); err != nil {
		log.Error("recording webhook: storing url", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	log.Info("recording url stored", "session_id", pc.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

// writeInstructions renders call instructions as XML for the carrier.
func (s *Server) writeInstructions(w http.ResponseWriter, log *slog.Logger, resp telephony.Response) {
	body, err := resp.Render()
	if err != nil {
		log.Error("rendering call instructions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Error("writing call instructions", "error", err)
	}
}
