// Package schedule holds the two periodic workers that turn user
// availability windows into dialed calls: the materializer, which creates
// a session and a scheduled call when a window opens, and the dispatcher,
// which claims due calls and places them with the carrier.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxjournal/voxjournal/internal/clock"
	"github.com/voxjournal/voxjournal/internal/database"
	"github.com/voxjournal/voxjournal/internal/database/models"
)

// RatingPromptText is the synthetic prompt appended when a profile asks for
// a day rating but no template provides one.
const RatingPromptText = "On a scale from negative two to two, how would you rate your day?"

// Materializer scans availability windows and creates at most one
// session + scheduled call pair per user per local day.
type Materializer struct {
	Windows   database.WindowRepository
	Profiles  database.ProfileRepository
	Templates database.PromptTemplateRepository
	Sessions  database.SessionRepository
	Scheduled database.ScheduledCallRepository
	Calls     database.PhoneCallRepository
	Entries   database.EntryRepository

	Clock    clock.Clock
	Logger   *slog.Logger
	Interval time.Duration
}

// Run loops until the context ends, materializing on every tick.
func (m *Materializer) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.RunOnce(ctx); err != nil {
			m.Logger.Error("materializer pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce walks every user with a window. A slow or broken user never
// blocks the rest of the pass.
func (m *Materializer) RunOnce(ctx context.Context) error {
	userIDs, err := m.Windows.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing users with windows: %w", err)
	}

	now := m.Clock.Now()
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.materializeUser(ctx, userID, now); err != nil {
			m.Logger.Warn("skipping user this pass", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (m *Materializer) materializeUser(ctx context.Context, userID string, now time.Time) error {
	profile, err := m.Profiles.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	localDate, err := clock.LocalDate(profile.Timezone, now)
	if err != nil {
		return err
	}
	weekday, wallClock, err := clock.LocalClock(profile.Timezone, now)
	if err != nil {
		return err
	}

	// One call at a time per user, one entry per day.
	if busy, err := m.Scheduled.HasNonTerminalForUser(ctx, userID); err != nil || busy {
		return err
	}
	if busy, err := m.Calls.HasNonTerminalForUser(ctx, userID); err != nil || busy {
		return err
	}
	if exists, err := m.Entries.ExistsForUserDate(ctx, userID, localDate); err != nil || exists {
		return err
	}

	open, err := m.windowOpen(ctx, userID, localDate, weekday, wallClock)
	if err != nil || !open {
		return err
	}

	prompts, err := buildPrompts(ctx, m.Templates, profile)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return nil
	}

	session := &models.ReflectionSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Method:    models.MethodPhone,
		Status:    models.SessionInProgress,
		Prompts:   prompts,
		StartedAt: now,
	}
	err = m.Sessions.Create(ctx, session)
	if errors.Is(err, database.ErrConflict) {
		// Another pass or an in-flight call got here first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	sc := &models.ScheduledCall{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionID:    session.ID,
		PhoneNumber:  profile.PhoneNumber,
		ScheduledFor: now,
		Status:       models.ScheduledPending,
		AttemptCount: 0,
		MaxRetries:   profile.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.Scheduled.Create(ctx, sc); err != nil {
		return fmt.Errorf("creating scheduled call: %w", err)
	}

	m.Logger.Info("materialized call", "user_id", userID,
		"session_id", session.ID, "prompts", len(prompts), "local_date", localDate)
	return nil
}

// windowOpen reports whether the current local wall clock falls inside any
// window applicable today. DayMode selects recurring vs one-off; absent
// rows default to recurring.
func (m *Materializer) windowOpen(ctx context.Context, userID, localDate string, weekday time.Weekday, wallClock string) (bool, error) {
	useRecurring, err := m.Windows.UseRecurring(ctx, userID, localDate)
	if err != nil {
		return false, fmt.Errorf("resolving day mode: %w", err)
	}
	windows, err := m.Windows.ListByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("listing windows: %w", err)
	}

	for _, w := range windows {
		switch {
		case useRecurring && w.Kind == models.WindowRecurring && w.DayOfWeek == weekday:
		case !useRecurring && w.Kind == models.WindowOneOff && w.Date == localDate:
		default:
			continue
		}
		// HH:MM strings are fixed width; lexical order is clock order.
		if w.StartTime <= wallClock && wallClock < w.EndTime {
			return true, nil
		}
	}
	return false, nil
}

// buildPrompts snapshots the user's active templates in position order,
// appending a synthetic rating prompt when the profile wants one and no
// template already provides it.
func buildPrompts(ctx context.Context, repo database.PromptTemplateRepository, profile *models.Profile) ([]models.Prompt, error) {
	templates, err := repo.ListActive(ctx, profile.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing active prompts: %w", err)
	}

	prompts := make([]models.Prompt, 0, len(templates)+1)
	hasRating := false
	for _, t := range templates {
		prompts = append(prompts, models.Prompt{
			PromptID:   t.ID,
			PromptText: t.PromptText,
			IsRating:   t.IsRatingPrompt,
		})
		if t.IsRatingPrompt {
			hasRating = true
		}
	}
	if profile.IncludeRatingPrompt && !hasRating {
		prompts = append(prompts, models.Prompt{
			PromptID:   "rating-" + profile.UserID,
			PromptText: RatingPromptText,
			IsRating:   true,
		})
	}
	return prompts, nil
}
