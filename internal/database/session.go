package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type sessionRepo struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) SessionRepository {
	return &sessionRepo{db: db}
}

// marshalPrompts serializes a prompt snapshot for storage. Also used by the
// phone call repository.
func marshalPrompts(prompts []models.Prompt) (string, error) {
	if prompts == nil {
		prompts = []models.Prompt{}
	}
	b, err := json.Marshal(prompts)
	if err != nil {
		return "", fmt.Errorf("marshaling prompts: %w", err)
	}
	return string(b), nil
}

func unmarshalPrompts(raw string) ([]models.Prompt, error) {
	var prompts []models.Prompt
	if err := json.Unmarshal([]byte(raw), &prompts); err != nil {
		return nil, fmt.Errorf("unmarshaling prompts: %w", err)
	}
	return prompts, nil
}

// Create inserts a new session. The at-most-one-IN_PROGRESS-per-user invariant
// is enforced here with a guarded insert rather than a table constraint, so
// completed sessions never block new ones.
func (r *sessionRepo) Create(ctx context.Context, s *models.ReflectionSession) error {
	if s.Status == models.SessionInProgress {
		existing, err := r.GetInProgressByUser(ctx, s.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: user %s already has session %s in progress", ErrConflict, s.UserID, existing.ID)
		}
	}

	promptsJSON, err := marshalPrompts(s.Prompts)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO reflection_sessions (id, user_id, method, status, prompts,
		 rating, started_at, ended_at, recording_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.UserID, s.Method, s.Status, promptsJSON,
		s.Rating, s.StartedAt, s.EndedAt, s.RecordingURL,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", mapErr(err))
	}
	return nil
}

// Get returns a session by ID.
func (r *sessionRepo) Get(ctx context.Context, id string) (*models.ReflectionSession, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT id, user_id, method, status, prompts, rating, started_at, ended_at, recording_url
		 FROM reflection_sessions WHERE id = ?`), id))
}

// GetInProgressByUser returns the user's IN_PROGRESS session, or nil.
func (r *sessionRepo) GetInProgressByUser(ctx context.Context, userID string) (*models.ReflectionSession, error) {
	s, err := r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT id, user_id, method, status, prompts, rating, started_at, ended_at, recording_url
		 FROM reflection_sessions WHERE user_id = ? AND status = ?`),
		userID, models.SessionInProgress))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// UpdatePrompts overwrites the prompt snapshot of an IN_PROGRESS session.
func (r *sessionRepo) UpdatePrompts(ctx context.Context, id string, prompts []models.Prompt) error {
	promptsJSON, err := marshalPrompts(prompts)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE reflection_sessions SET prompts = ? WHERE id = ? AND status = ?`),
		promptsJSON, id, models.SessionInProgress,
	)
	if err != nil {
		return fmt.Errorf("updating session prompts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking prompts update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s is not in progress", ErrPrecondition, id)
	}
	return nil
}

// SetRating records the extracted rating on an IN_PROGRESS session.
func (r *sessionRepo) SetRating(ctx context.Context, id string, rating int) error {
	if rating < -2 || rating > 2 {
		return fmt.Errorf("%w: rating %d out of range [-2,2]", ErrPrecondition, rating)
	}
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE reflection_sessions SET rating = ? WHERE id = ? AND status = ?`),
		rating, id, models.SessionInProgress,
	)
	if err != nil {
		return fmt.Errorf("setting session rating: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rating update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s is not in progress", ErrPrecondition, id)
	}
	return nil
}

// SetRecordingURL stores the encrypted recording URL. Allowed in any status;
// the recording webhook can arrive after the session is finalized.
func (r *sessionRepo) SetRecordingURL(ctx context.Context, id string, ciphertext string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE reflection_sessions SET recording_url = ? WHERE id = ?`),
		ciphertext, id,
	)
	if err != nil {
		return fmt.Errorf("setting recording url: %w", err)
	}
	return nil
}

// Finish flips an IN_PROGRESS session to a terminal status. Re-finishing a
// finished session is a no-op so duplicate webhook deliveries are harmless.
func (r *sessionRepo) Finish(ctx context.Context, id string, status models.SessionStatus, endedAt time.Time) error {
	if status == models.SessionInProgress {
		return fmt.Errorf("%w: cannot finish into IN_PROGRESS", ErrPrecondition)
	}
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE reflection_sessions SET status = ?, ended_at = ?
		 WHERE id = ? AND status = ?`),
		status, endedAt, id, models.SessionInProgress,
	)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	return nil
}

// Reopen prepares a session for a redial after a mid-call hangup: the
// status goes back to IN_PROGRESS and the aborted attempt's responses and
// rating are discarded so the next call starts the dialog clean. Reopening
// a session that is still IN_PROGRESS only clears attempt leftovers.
func (r *sessionRepo) Reopen(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reopen transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE reflection_sessions SET status = ?, ended_at = NULL, rating = NULL
		 WHERE id = ? AND status IN (?, ?)`),
		models.SessionInProgress, id, models.SessionInProgress, models.SessionAbandoned,
	)
	if err != nil {
		return fmt.Errorf("reopening session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking reopen: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s cannot be reopened", ErrPrecondition, id)
	}

	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`DELETE FROM prompt_responses WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("clearing aborted responses: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reopen: %w", err)
	}
	return nil
}

func (r *sessionRepo) scanOne(row *sql.Row) (*models.ReflectionSession, error) {
	var s models.ReflectionSession
	var promptsJSON string
	err := row.Scan(&s.ID, &s.UserID, &s.Method, &s.Status, &promptsJSON,
		&s.Rating, &s.StartedAt, &s.EndedAt, &s.RecordingURL)
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", mapErr(err))
	}
	s.Prompts, err = unmarshalPrompts(promptsJSON)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
