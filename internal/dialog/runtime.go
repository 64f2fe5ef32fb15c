// Package dialog runs the live half of a reflection call: it bridges the
// carrier media stream with streaming transcription, drives the prompt
// sequence with pause-based and semantic turn endpointing, and materializes
// the finished session into a journal entry.
//
// One task owns each live call. STT events, barge-in signals, and the
// periodic endpointing tick all funnel through a single event queue, so the
// response buffer has exactly one writer.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxjournal/voxjournal/internal/clock"
	"github.com/voxjournal/voxjournal/internal/database"
	"github.com/voxjournal/voxjournal/internal/database/models"
	"github.com/voxjournal/voxjournal/internal/provider/llm"
	"github.com/voxjournal/voxjournal/internal/provider/stt"
	"github.com/voxjournal/voxjournal/internal/provider/telephony"
	"github.com/voxjournal/voxjournal/internal/provider/tts"
)

const (
	// tickInterval is how often the endpointer re-evaluates silence.
	tickInterval = 250 * time.Millisecond

	// frameInterval is the real-time duration of one outbound audio frame.
	frameInterval = 20 * time.Millisecond

	// completionConfidence is the minimum model confidence to accept an
	// "is complete" judgment.
	completionConfidence = 0.6

	// ratingConfidence is the minimum model confidence to accept an
	// extracted rating.
	ratingConfidence = 0.5

	// bargeRMSThreshold is the linear-PCM RMS above which an inbound frame
	// counts as caller speech during playback.
	bargeRMSThreshold = 1000

	// bargeFrames is how many consecutive voiced frames trigger barge-in.
	bargeFrames = 3

	judgmentTimeout = 3 * time.Second
)

var errCallEnded = errors.New("call ended")

// Config wires a Runtime.
type Config struct {
	Profiles  database.ProfileRepository
	Sessions  database.SessionRepository
	Responses database.ResponseRepository
	Calls     database.PhoneCallRepository
	Scheduled database.ScheduledCallRepository
	Entries   database.EntryRepository

	STT       stt.Provider
	TTS       tts.Provider
	LLM       llm.Provider
	Telephony telephony.Provider

	Clock  clock.Clock
	Logger *slog.Logger

	Voice       tts.VoiceProfile
	PauseMin    time.Duration // minimum silence before endpointing
	PauseHard   time.Duration // silence failsafe
	MaxCallTime time.Duration // wall clock ceiling per call
}

// Runtime runs one dialog task per live call.
type Runtime struct {
	cfg Config

	mu     sync.Mutex
	active map[string]context.CancelFunc // keyed by provider call SID
}

// New creates a Runtime.
func New(cfg Config) *Runtime {
	if cfg.PauseMin <= 0 {
		cfg.PauseMin = 3 * time.Second
	}
	if cfg.PauseHard <= cfg.PauseMin {
		cfg.PauseHard = 12 * time.Second
	}
	if cfg.MaxCallTime <= 0 {
		cfg.MaxCallTime = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{cfg: cfg, active: make(map[string]context.CancelFunc)}
}

// ActiveCallCount returns the number of live dialog tasks.
func (r *Runtime) ActiveCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CancelCall stops the dialog task for a call SID, if one is live. The
// status webhook calls this when the carrier reports the call gone.
func (r *Runtime) CancelCall(sid string) {
	r.mu.Lock()
	cancel := r.active[sid]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runtime) register(sid string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.active[sid] = cancel
	r.mu.Unlock()
}

func (r *Runtime) unregister(sid string) {
	r.mu.Lock()
	delete(r.active, sid)
	r.mu.Unlock()
}

// event kinds flowing through the per-call queue.
type evKind int

const (
	evTick evKind = iota
	evInterim
	evFinal
	evMark
	evBarge
	evClosed
)

type event struct {
	kind evKind
	text string
}

// HandleStream owns an upgraded media-stream connection for its whole
// life. The first frame must be the carrier's start event; its call SID is
// the correlation key back to the PhoneCall row.
func (r *Runtime) HandleStream(ctx context.Context, conn *websocket.Conn) error {
	stream := NewStream(conn)
	defer stream.Close()

	frame, _, err := stream.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading start frame: %w", err)
	}
	if frame.Event == "connected" {
		// Some carriers send a connected preamble before start.
		frame, _, err = stream.ReadFrame()
		if err != nil {
			return fmt.Errorf("reading start frame: %w", err)
		}
	}
	if frame.Event != "start" || frame.Start == nil || frame.Start.CallSID == "" {
		return fmt.Errorf("expected start frame, got %q", frame.Event)
	}
	sid := frame.Start.CallSID

	call, err := r.cfg.Calls.GetBySID(ctx, sid)
	if err != nil {
		return fmt.Errorf("correlating stream to call %s: %w", sid, err)
	}
	// The answer webhook marks the call connected before it bridges the
	// stream; anything else is a stream we never asked for.
	if call.Status != models.CallConnected {
		return fmt.Errorf("stream start for call %s in status %s", call.ID, call.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.MaxCallTime)
	defer cancel()
	r.register(sid, cancel)
	defer r.unregister(sid)

	log := r.cfg.Logger.With("call_id", call.ID, "call_sid", sid, "user_id", call.UserID)
	log.Info("dialog task started", "prompts", len(call.Prompts))

	err = r.run(ctx, log, stream, call)
	if err != nil {
		log.Warn("dialog task ended without completing", "error", err)
		// Best effort hangup; the status webhook finalizes state.
		hangCtx, hangCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer hangCancel()
		_ = r.cfg.Telephony.EndCall(hangCtx, sid)
		return err
	}
	log.Info("dialog task completed")
	return nil
}

// run drives the turn loop and closing sequence for one call.
func (r *Runtime) run(ctx context.Context, log *slog.Logger, stream *Stream, call *models.PhoneCall) error {
	profile, err := r.cfg.Profiles.Get(ctx, call.UserID)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	sttSess, err := r.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: 8000,
		Encoding:   "mulaw",
	})
	if err != nil {
		return fmt.Errorf("starting stt stream: %w", err)
	}
	defer sttSess.Close()

	events := make(chan event, 64)
	var speaking atomic.Bool

	// Frame reader: carrier -> STT, plus barge-in detection while a prompt
	// is playing.
	push := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		detector := newBargeDetector(bargeRMSThreshold, bargeFrames)
		for {
			frame, audio, err := stream.ReadFrame()
			if err != nil {
				push(event{kind: evClosed})
				return
			}
			switch frame.Event {
			case "media":
				if err := sttSess.SendAudio(audio); err != nil {
					push(event{kind: evClosed})
					return
				}
				if speaking.Load() {
					if detector.Feed(audio) {
						detector.Reset()
						if !push(event{kind: evBarge}) {
							return
						}
					}
				} else {
					detector.Reset()
				}
			case "mark":
				if !push(event{kind: evMark}) {
					return
				}
			case "stop":
				push(event{kind: evClosed})
				return
			}
		}
	}()

	// Transcript pump. A closed results channel means the STT session died
	// past its own reconnect; the call cannot continue without ears.
	go func() {
		for t := range sttSess.Results() {
			ev := event{kind: evInterim}
			if t.IsFinal {
				ev = event{kind: evFinal, text: t.Text}
			}
			if !push(ev) {
				return
			}
		}
		push(event{kind: evClosed})
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				select {
				case events <- event{kind: evTick}:
				default: // queue full, a tick is already pending
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	responseCount, err := r.cfg.Responses.CountBySession(ctx, call.SessionID)
	if err != nil {
		return fmt.Errorf("counting existing responses: %w", err)
	}

	for i := call.PromptIndex; i < len(call.Prompts); i++ {
		prompt := call.Prompts[i]
		carry, err := r.speak(ctx, stream, events, &speaking, prompt.PromptText)
		if err != nil {
			return err
		}

		buffer, turnStart, err := r.listen(ctx, log, events, call, prompt, carry)
		if err != nil {
			return err
		}

		if prompt.IsRating {
			r.recordRating(ctx, log, call.SessionID, buffer)
		} else {
			responseCount++
			resp := &models.PromptResponse{
				ID:               uuid.NewString(),
				SessionID:        call.SessionID,
				PromptID:         prompt.PromptID,
				PromptText:       prompt.PromptText,
				Position:         responseCount,
				ResponseText:     buffer,
				ResponseStarted:  turnStart,
				ResponseFinished: r.cfg.Clock.Now(),
			}
			if err := r.cfg.Responses.Create(ctx, resp); err != nil {
				return fmt.Errorf("recording response %d: %w", resp.Position, err)
			}
		}

		if err := r.cfg.Calls.Advance(ctx, call.ID, i); err != nil {
			return fmt.Errorf("advancing past prompt %d: %w", i, err)
		}
	}

	return r.closeOut(ctx, log, stream, events, &speaking, call, profile, responseCount)
}

// listen consumes events until the endpointer declares the turn complete.
// It returns the accumulated response buffer and the turn start time. carry
// is a final transcript segment that arrived while the prompt was still
// playing; it seeds the buffer so a barge-in answer keeps its first words.
func (r *Runtime) listen(ctx context.Context, log *slog.Logger, events <-chan event, call *models.PhoneCall, prompt models.Prompt, carry string) (string, time.Time, error) {
	turnStart := r.cfg.Clock.Now()
	lastSpeech := turnStart
	buffer := carry
	if carry != "" {
		if err := r.cfg.Calls.AppendBuffer(ctx, call.ID, carry, turnStart); err != nil {
			return "", turnStart, fmt.Errorf("appending carried transcript: %w", err)
		}
	}

	for {
		var ev event
		select {
		case <-ctx.Done():
			return "", turnStart, fmt.Errorf("call ceiling reached: %w", ctx.Err())
		case ev = <-events:
		}

		now := r.cfg.Clock.Now()
		switch ev.kind {
		case evClosed:
			return "", turnStart, errCallEnded
		case evInterim:
			lastSpeech = now
			_ = r.cfg.Calls.TouchSpeech(ctx, call.ID, now)
			continue
		case evFinal:
			if buffer == "" {
				buffer = ev.text
			} else {
				buffer += " " + ev.text
			}
			lastSpeech = now
			if err := r.cfg.Calls.AppendBuffer(ctx, call.ID, ev.text, now); err != nil {
				return "", turnStart, fmt.Errorf("appending transcript: %w", err)
			}
		case evTick:
		default:
			continue
		}

		pause := now.Sub(lastSpeech)
		if r.turnComplete(ctx, log, prompt, buffer, pause) {
			return buffer, turnStart, nil
		}
	}
}

// turnComplete is the endpointing decision for one observation.
func (r *Runtime) turnComplete(ctx context.Context, log *slog.Logger, prompt models.Prompt, buffer string, pause time.Duration) bool {
	if pause < r.cfg.PauseMin {
		return false
	}
	if buffer == "" {
		return false
	}
	if pause >= r.cfg.PauseHard {
		return true
	}
	// Rating answers are a few words; a minimum pause is judgment enough.
	if prompt.IsRating {
		return true
	}

	jctx, cancel := context.WithTimeout(ctx, judgmentTimeout)
	defer cancel()
	judgment, err := r.cfg.LLM.CheckCompletion(jctx, prompt.PromptText, buffer, pause)
	if err != nil {
		// The hard pause failsafe completes the turn eventually.
		log.Warn("completion check failed", "error", err)
		return false
	}
	return judgment.IsComplete && judgment.Confidence >= completionConfidence
}

// recordRating extracts and stores the day rating. An unusable answer
// leaves the rating null; it never fails the call.
func (r *Runtime) recordRating(ctx context.Context, log *slog.Logger, sessionID, buffer string) {
	jctx, cancel := context.WithTimeout(ctx, judgmentTimeout)
	defer cancel()
	judgment, err := r.cfg.LLM.ExtractRating(jctx, buffer)
	if err != nil {
		log.Warn("rating extraction failed", "error", err)
		return
	}
	if judgment.Rating == nil || judgment.Confidence < ratingConfidence {
		log.Info("no usable rating in answer", "reason", judgment.Reason)
		return
	}
	if err := r.cfg.Sessions.SetRating(ctx, sessionID, *judgment.Rating); err != nil {
		log.Warn("storing rating failed", "error", err)
	}
}

// speak synthesizes text and plays it into the stream, paced in real time.
// Caller speech interrupts playback: buffered audio is cleared and the turn
// moves on to listening. A final transcript that lands during playback or
// the mark drain belongs to the caller's answer; speak returns its text so
// the turn does not lose it.
func (r *Runtime) speak(ctx context.Context, stream *Stream, events <-chan event, speaking *atomic.Bool, text string) (string, error) {
	audio, err := r.cfg.TTS.Synthesize(ctx, text, r.cfg.Voice)
	if err != nil {
		// One retry; a prompt the caller never hears is worse than a
		// moment of delay.
		audio, err = r.cfg.TTS.Synthesize(ctx, text, r.cfg.Voice)
	}
	if err != nil {
		r.cfg.Logger.Error("tts synthesis failed, skipping playback", "error", err)
		return "", nil
	}

	speaking.Store(true)
	defer speaking.Store(false)

	pacer := time.NewTicker(frameInterval)
	defer pacer.Stop()

	for off := 0; off < len(audio); {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("call ceiling reached: %w", ctx.Err())
		case ev := <-events:
			switch ev.kind {
			case evClosed:
				return "", errCallEnded
			case evBarge:
				_ = stream.Clear()
				return "", nil
			case evFinal:
				_ = stream.Clear()
				return ev.text, nil
			}
		case <-pacer.C:
			end := off + frameSize
			if end > len(audio) {
				end = len(audio)
			}
			if err := stream.WriteAudio(audio[off:end]); err != nil {
				return "", fmt.Errorf("writing audio: %w", err)
			}
			off = end
		}
	}

	// Drain the carrier's jitter buffer: wait for our mark to echo back.
	if err := stream.WriteMark("clip-done"); err != nil {
		return "", fmt.Errorf("writing mark: %w", err)
	}
	grace := time.NewTimer(3 * time.Second)
	defer grace.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("call ceiling reached: %w", ctx.Err())
		case <-grace.C:
			return "", nil
		case ev := <-events:
			switch ev.kind {
			case evClosed:
				return "", errCallEnded
			case evMark, evBarge:
				return "", nil
			case evFinal:
				return ev.text, nil
			}
		}
	}
}

// closeOut speaks the closing message, hangs up, and only then flips the
// local state to COMPLETED and snapshots the journal entry. The ordering
// matters: once the carrier sees the call completed it rejects further
// audio, so the goodbye has to be on the wire first.
func (r *Runtime) closeOut(ctx context.Context, log *slog.Logger, stream *Stream, events <-chan event, speaking *atomic.Bool, call *models.PhoneCall, profile *models.Profile, responseCount int) error {
	if _, err := r.speak(ctx, stream, events, speaking, closingMessage(profile)); err != nil && !errors.Is(err, errCallEnded) {
		return err
	}

	hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cfg.Telephony.EndCall(hangCtx, call.ProviderCallSID); err != nil {
		log.Warn("hangup request failed", "error", err)
	}

	expected := 0
	for _, p := range call.Prompts {
		if !p.IsRating {
			expected++
		}
	}
	now := r.cfg.Clock.Now()
	if responseCount != expected {
		// The prompt list diverged between materialization and runtime.
		log.Error("response count mismatch, abandoning session",
			"recorded", responseCount, "expected", expected)
		_ = r.cfg.Sessions.Finish(ctx, call.SessionID, models.SessionAbandoned, now)
		_ = r.cfg.Calls.Finish(ctx, call.ID, models.CallAbandoned, now)
		return fmt.Errorf("recorded %d responses, expected %d", responseCount, expected)
	}

	if err := r.cfg.Sessions.Finish(ctx, call.SessionID, models.SessionCompleted, now); err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	if err := r.cfg.Calls.Finish(ctx, call.ID, models.CallCompleted, now); err != nil {
		return fmt.Errorf("completing phone call: %w", err)
	}

	if err := r.materializeEntry(ctx, log, call, profile, now); err != nil {
		return err
	}

	sc, err := r.cfg.Scheduled.GetBySession(ctx, call.SessionID)
	if err != nil {
		return fmt.Errorf("finding scheduled call: %w", err)
	}
	if err := r.cfg.Scheduled.MarkCompleted(ctx, sc.ID); err != nil {
		return fmt.Errorf("completing scheduled call: %w", err)
	}
	return nil
}

// materializeEntry snapshots the finished session into a journal entry. A
// second entry for the same local day loses; the first stays untouched.
func (r *Runtime) materializeEntry(ctx context.Context, log *slog.Logger, call *models.PhoneCall, profile *models.Profile, endedAt time.Time) error {
	localDate, err := clock.LocalDate(profile.Timezone, endedAt)
	if err != nil {
		return fmt.Errorf("resolving local date: %w", err)
	}

	session, err := r.cfg.Sessions.Get(ctx, call.SessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	responses, err := r.cfg.Responses.ListBySession(ctx, call.SessionID)
	if err != nil {
		return fmt.Errorf("listing responses: %w", err)
	}

	entry := &models.JournalEntry{
		ID:        uuid.NewString(),
		UserID:    call.UserID,
		SessionID: call.SessionID,
		LocalDate: localDate,
		Rating:    session.Rating,
		Responses: responses,
		CreatedAt: endedAt,
	}
	err = r.cfg.Entries.Create(ctx, entry)
	if errors.Is(err, database.ErrConflict) {
		log.Warn("journal entry already exists for day, keeping first", "local_date", localDate)
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating journal entry: %w", err)
	}
	return nil
}

// closingMessage personalises the goodbye. The phonetic spelling wins over
// the display name when present, since this text goes straight to TTS.
func closingMessage(profile *models.Profile) string {
	name := profile.NamePronunciation
	if name == "" {
		name = profile.DisplayName
	}
	if name == "" {
		return "Thank you. Your reflection has been saved. Talk to you next time."
	}
	return fmt.Sprintf("Thank you, %s. Your reflection has been saved. Talk to you next time.", name)
}
