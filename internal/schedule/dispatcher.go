package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/voxjournal/voxjournal/internal/clock"
	"github.com/voxjournal/voxjournal/internal/database"
	"github.com/voxjournal/voxjournal/internal/database/models"
	"github.com/voxjournal/voxjournal/internal/provider/telephony"
)

// retryBackoff is how long a failed attempt waits before redialing.
const retryBackoff = 5 * time.Minute

// Dispatcher claims due scheduled calls and places them with the carrier.
// Multiple dispatchers may run; the PENDING -> IN_PROGRESS compare-and-set
// on the scheduled call is the only lock between them.
type Dispatcher struct {
	Scheduled database.ScheduledCallRepository
	Sessions  database.SessionRepository
	Calls     database.PhoneCallRepository
	Templates database.PromptTemplateRepository
	Profiles  database.ProfileRepository

	Telephony telephony.Provider

	// Callback URLs handed to the carrier with each placed call.
	From         string
	AnswerURL    string
	StatusURL    string
	RecordingURL string

	Clock    clock.Clock
	Logger   *slog.Logger
	Interval time.Duration
	Batch    int

	// Limiter paces outbound dials across all users so a large due batch
	// never bursts against the carrier's API limit. Nil means unpaced.
	Limiter *rate.Limiter
}

// Run loops until the context ends, dispatching on every tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.RunOnce(ctx); err != nil {
			d.Logger.Error("dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and places every due call, one at a time.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	batch := d.Batch
	if batch <= 0 {
		batch = 10
	}
	due, err := d.Scheduled.ListDue(ctx, d.Clock.Now(), batch)
	if err != nil {
		return fmt.Errorf("listing due calls: %w", err)
	}

	for i := range due {
		sc := &due[i]
		won, err := d.Scheduled.Claim(ctx, sc.ID)
		if err != nil {
			d.Logger.Error("claiming scheduled call", "scheduled_call_id", sc.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		if err := d.dispatch(ctx, sc); err != nil {
			d.Logger.Warn("dispatch attempt failed", "scheduled_call_id", sc.ID, "error", err)
			d.RetryOrFail(ctx, sc, err.Error())
		}
	}
	return nil
}

// dispatch places one claimed call. The session's prompt snapshot is
// refreshed first so the runtime speaks exactly the user's current prompt
// set, then the phone-call row is keyed by the carrier SID before the
// callee's phone can ring.
func (d *Dispatcher) dispatch(ctx context.Context, sc *models.ScheduledCall) error {
	profile, err := d.Profiles.Get(ctx, sc.UserID)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	// A redial after a mid-call hangup finds the session abandoned. Reopen
	// it and drop the aborted attempt's answers before dialing again.
	if err := d.Sessions.Reopen(ctx, sc.SessionID); err != nil {
		return fmt.Errorf("reopening session: %w", err)
	}

	prompts, err := buildPrompts(ctx, d.Templates, profile)
	if err != nil {
		return err
	}
	if len(prompts) > 0 {
		if err := d.Sessions.UpdatePrompts(ctx, sc.SessionID, prompts); err != nil {
			return fmt.Errorf("refreshing session prompts: %w", err)
		}
	} else {
		// Every template was deleted since materialization; keep the
		// snapshot the session already carries.
		session, err := d.Sessions.Get(ctx, sc.SessionID)
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}
		prompts = session.Prompts
	}

	now := d.Clock.Now()
	call := &models.PhoneCall{
		ID:          uuid.NewString(),
		UserID:      sc.UserID,
		SessionID:   sc.SessionID,
		Status:      models.CallInitiated,
		Prompts:     prompts,
		InitiatedAt: now,
	}
	if err := d.Calls.Create(ctx, call); err != nil {
		return fmt.Errorf("creating phone call: %w", err)
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			_ = d.Calls.Finish(ctx, call.ID, models.CallFailed, d.Clock.Now())
			return fmt.Errorf("waiting for dial slot: %w", err)
		}
	}

	sid, err := d.Telephony.PlaceCall(ctx, telephony.CallRequest{
		To:           sc.PhoneNumber,
		From:         d.From,
		AnswerURL:    d.AnswerURL,
		StatusURL:    d.StatusURL,
		RecordingURL: d.RecordingURL,
	})
	if err != nil {
		_ = d.Calls.Finish(ctx, call.ID, models.CallFailed, d.Clock.Now())
		return fmt.Errorf("placing call: %w", err)
	}

	if err := d.Calls.AssignSID(ctx, call.ID, sid); err != nil {
		return fmt.Errorf("assigning call sid: %w", err)
	}

	d.Logger.Info("call placed", "scheduled_call_id", sc.ID, "call_id", call.ID, "call_sid", sid)
	return nil
}

// RetryOrFail returns a claimed call to the queue with backoff, or fails
// it for good and abandons its session once attempts are exhausted. The
// status webhook shares this path for calls that die after placement.
func (d *Dispatcher) RetryOrFail(ctx context.Context, sc *models.ScheduledCall, cause string) {
	attempt := sc.AttemptCount + 1
	now := d.Clock.Now()

	if attempt < sc.MaxRetries {
		next := now.Add(retryBackoff)
		if err := d.Scheduled.Requeue(ctx, sc.ID, attempt, next, cause); err != nil {
			d.Logger.Error("requeueing scheduled call", "scheduled_call_id", sc.ID, "error", err)
			return
		}
		d.Logger.Info("call requeued", "scheduled_call_id", sc.ID,
			"attempt", attempt, "next_attempt_at", next)
		return
	}

	if err := d.Scheduled.MarkFailed(ctx, sc.ID, attempt, cause); err != nil {
		d.Logger.Error("failing scheduled call", "scheduled_call_id", sc.ID, "error", err)
		return
	}
	if err := d.Sessions.Finish(ctx, sc.SessionID, models.SessionAbandoned, now); err != nil {
		d.Logger.Error("abandoning session", "session_id", sc.SessionID, "error", err)
	}
	d.Logger.Warn("retries exhausted", "scheduled_call_id", sc.ID, "attempts", attempt, "cause", cause)
}
