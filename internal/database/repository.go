package database

import (
	"context"
	"time"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

// ProfileRepository manages per-user call settings synced from the account service.
type ProfileRepository interface {
	Upsert(ctx context.Context, p *models.Profile) error
	Get(ctx context.Context, userID string) (*models.Profile, error)
}

// PromptTemplateRepository manages each user's ordered prompt set.
type PromptTemplateRepository interface {
	Create(ctx context.Context, t *models.PromptTemplate) error
	Update(ctx context.Context, t *models.PromptTemplate) error
	ListActive(ctx context.Context, userID string) ([]models.PromptTemplate, error)
	Delete(ctx context.Context, id string) error
}

// WindowRepository manages availability windows and per-day mode overrides.
type WindowRepository interface {
	Create(ctx context.Context, w *models.CallWindow) error
	ListByUser(ctx context.Context, userID string) ([]models.CallWindow, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	SetDayMode(ctx context.Context, mode *models.DayMode) error
	// UseRecurring resolves DayMode for a (user, date); absent rows default true.
	UseRecurring(ctx context.Context, userID, date string) (bool, error)
}

// SessionRepository manages reflection sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *models.ReflectionSession) error
	Get(ctx context.Context, id string) (*models.ReflectionSession, error)
	GetInProgressByUser(ctx context.Context, userID string) (*models.ReflectionSession, error)
	// UpdatePrompts overwrites the prompt snapshot. Fails with ErrPrecondition
	// unless the session is IN_PROGRESS.
	UpdatePrompts(ctx context.Context, id string, prompts []models.Prompt) error
	SetRating(ctx context.Context, id string, rating int) error
	SetRecordingURL(ctx context.Context, id string, ciphertext string) error
	// Finish flips the status to COMPLETED or ABANDONED and stamps endedAt.
	// The transition is guarded on IN_PROGRESS; a second delivery is a no-op.
	Finish(ctx context.Context, id string, status models.SessionStatus, endedAt time.Time) error
	// Reopen returns an ABANDONED session to IN_PROGRESS for a redial and
	// discards the aborted attempt's responses and rating. Fails with
	// ErrPrecondition on a COMPLETED session.
	Reopen(ctx context.Context, id string) error
}

// ResponseRepository manages prompt responses. Positions are unique and
// contiguous per session; the dialog runtime is the only writer.
type ResponseRepository interface {
	Create(ctx context.Context, r *models.PromptResponse) error
	ListBySession(ctx context.Context, sessionID string) ([]models.PromptResponse, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
}

// ScheduledCallRepository manages materialized calls and the dispatch queue.
type ScheduledCallRepository interface {
	Create(ctx context.Context, c *models.ScheduledCall) error
	Get(ctx context.Context, id string) (*models.ScheduledCall, error)
	GetBySession(ctx context.Context, sessionID string) (*models.ScheduledCall, error)
	// ListDue returns PENDING calls whose scheduledFor and nextAttemptAt are
	// both in the past, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledCall, error)
	// Claim atomically moves PENDING -> IN_PROGRESS. Returns false when another
	// dispatcher won the row. This compare-and-set is the only lock between
	// concurrent dispatchers.
	Claim(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	// Requeue returns a claimed call to PENDING with an incremented attempt
	// count and a backoff deadline.
	Requeue(ctx context.Context, id string, attemptCount int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, attemptCount int, lastError string) error
	HasNonTerminalForUser(ctx context.Context, userID string) (bool, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// PhoneCallRepository manages per-call runtime state.
type PhoneCallRepository interface {
	Create(ctx context.Context, c *models.PhoneCall) error
	Get(ctx context.Context, id string) (*models.PhoneCall, error)
	GetBySID(ctx context.Context, sid string) (*models.PhoneCall, error)
	// AssignSID sets the provider call SID exactly once; a second assignment
	// fails with ErrPrecondition.
	AssignSID(ctx context.Context, id, sid string) error
	// MarkConnected moves INITIATED -> CONNECTED. Guarded; idempotent on
	// repeat delivery of the answer webhook.
	MarkConnected(ctx context.Context, id string, at time.Time) error
	// AppendBuffer appends a final transcript segment to the current response
	// buffer and stamps the last-speech time.
	AppendBuffer(ctx context.Context, id, segment string, at time.Time) error
	TouchSpeech(ctx context.Context, id string, at time.Time) error
	// Advance increments the prompt index by one and clears the buffer.
	Advance(ctx context.Context, id string, fromIndex int) error
	// Finish flips a non-terminal call to a terminal status. Terminal statuses
	// are sticky: finishing an already-terminal call is a no-op.
	Finish(ctx context.Context, id string, status models.CallStatus, endedAt time.Time) error
	HasNonTerminalForUser(ctx context.Context, userID string) (bool, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// EntryRepository manages immutable journal entries.
type EntryRepository interface {
	// Create writes the entry and its response snapshot in one transaction.
	// A duplicate (user, localDate) fails with ErrConflict.
	Create(ctx context.Context, e *models.JournalEntry) error
	GetByUserDate(ctx context.Context, userID, localDate string) (*models.JournalEntry, error)
	GetBySession(ctx context.Context, sessionID string) (*models.JournalEntry, error)
	ExistsForUserDate(ctx context.Context, userID, localDate string) (bool, error)
	// Delete removes the entry and cascades to its response snapshot. The
	// underlying session is never touched.
	Delete(ctx context.Context, id string) error
	CountAll(ctx context.Context) (int64, error)
}
