package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type scheduledCallRepo struct {
	db *DB
}

// NewScheduledCallRepository creates a new ScheduledCallRepository.
func NewScheduledCallRepository(db *DB) ScheduledCallRepository {
	return &scheduledCallRepo{db: db}
}

// Create inserts a scheduled call. Rejects a second non-terminal call for the
// same session.
func (r *scheduledCallRepo) Create(ctx context.Context, c *models.ScheduledCall) error {
	if !c.Status.Terminal() {
		existing, err := r.GetBySession(ctx, c.SessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil && !existing.Status.Terminal() {
			return fmt.Errorf("%w: session %s already has scheduled call %s", ErrConflict, c.SessionID, existing.ID)
		}
	}

	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO scheduled_calls (id, user_id, session_id, phone_number,
		 scheduled_for, status, attempt_count, max_retries, next_attempt_at,
		 last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.UserID, c.SessionID, c.PhoneNumber,
		c.ScheduledFor, c.Status, c.AttemptCount, c.MaxRetries, c.NextAttemptAt,
		c.LastError, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting scheduled call: %w", mapErr(err))
	}
	return nil
}

// Get returns a scheduled call by ID.
func (r *scheduledCallRepo) Get(ctx context.Context, id string) (*models.ScheduledCall, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		selectScheduledCall+` WHERE id = ?`), id))
}

// GetBySession returns the most recent scheduled call for a session.
func (r *scheduledCallRepo) GetBySession(ctx context.Context, sessionID string) (*models.ScheduledCall, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		selectScheduledCall+` WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`), sessionID))
}

// ListDue returns dispatchable calls: PENDING, past their scheduled time, and
// past any retry backoff. Oldest first.
func (r *scheduledCallRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledCall, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		selectScheduledCall+` WHERE status = ? AND scheduled_for <= ?
		 AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY scheduled_for LIMIT ?`),
		models.ScheduledPending, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due scheduled calls: %w", err)
	}
	defer rows.Close()

	var calls []models.ScheduledCall
	for rows.Next() {
		c, err := scanScheduledCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scheduled call rows: %w", err)
	}

	return calls, nil
}

// Claim atomically transitions PENDING -> IN_PROGRESS. Exactly one of any
// number of racing dispatchers sees true.
func (r *scheduledCallRepo) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE scheduled_calls SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`),
		models.ScheduledInProgress, id, models.ScheduledPending,
	)
	if err != nil {
		return false, fmt.Errorf("claiming scheduled call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claim: %w", err)
	}
	return n == 1, nil
}

// MarkCompleted flips a claimed call to COMPLETED.
func (r *scheduledCallRepo) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE scheduled_calls SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`),
		models.ScheduledCompleted, id, models.ScheduledInProgress,
	)
	if err != nil {
		return fmt.Errorf("completing scheduled call: %w", err)
	}
	return nil
}

// Requeue returns a claimed call to PENDING for another attempt after the
// backoff deadline.
func (r *scheduledCallRepo) Requeue(ctx context.Context, id string, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE scheduled_calls SET status = ?, attempt_count = ?, next_attempt_at = ?,
		 last_error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ? AND attempt_count < max_retries`),
		models.ScheduledPending, attemptCount, nextAttemptAt,
		lastError, id, models.ScheduledInProgress,
	)
	if err != nil {
		return fmt.Errorf("requeueing scheduled call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking requeue: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: scheduled call %s not claimable for retry", ErrPrecondition, id)
	}
	return nil
}

// MarkFailed terminates a claimed call after retries exhaust.
func (r *scheduledCallRepo) MarkFailed(ctx context.Context, id string, attemptCount int, lastError string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE scheduled_calls SET status = ?, attempt_count = ?, last_error = ?,
		 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`),
		models.ScheduledFailed, attemptCount, lastError, id, models.ScheduledInProgress,
	)
	if err != nil {
		return fmt.Errorf("failing scheduled call: %w", err)
	}
	return nil
}

// HasNonTerminalForUser reports whether any PENDING or IN_PROGRESS call
// exists for the user.
func (r *scheduledCallRepo) HasNonTerminalForUser(ctx context.Context, userID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT COUNT(*) FROM scheduled_calls WHERE user_id = ? AND status IN (?, ?)`),
		userID, models.ScheduledPending, models.ScheduledInProgress,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting non-terminal scheduled calls: %w", err)
	}
	return count > 0, nil
}

// CountByStatus returns scheduled-call counts grouped by status.
func (r *scheduledCallRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scheduled_calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting scheduled calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning scheduled call count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scheduled call counts: %w", err)
	}
	return counts, nil
}

const selectScheduledCall = `SELECT id, user_id, session_id, phone_number,
	 scheduled_for, status, attempt_count, max_retries, next_attempt_at,
	 last_error, created_at, updated_at FROM scheduled_calls`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledCall(row rowScanner) (*models.ScheduledCall, error) {
	var c models.ScheduledCall
	err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.PhoneNumber,
		&c.ScheduledFor, &c.Status, &c.AttemptCount, &c.MaxRetries, &c.NextAttemptAt,
		&c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning scheduled call: %w", mapErr(err))
	}
	return &c, nil
}

func (r *scheduledCallRepo) scanOne(row *sql.Row) (*models.ScheduledCall, error) {
	return scanScheduledCall(row)
}
