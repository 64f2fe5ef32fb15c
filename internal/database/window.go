package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type windowRepo struct {
	db *DB
}

// NewWindowRepository creates a new WindowRepository.
func NewWindowRepository(db *DB) WindowRepository {
	return &windowRepo{db: db}
}

// Create inserts an availability window. Overlapping slots on the same
// (user, kind, weekday/date, start) violate the slot index and return ErrConflict.
func (r *windowRepo) Create(ctx context.Context, w *models.CallWindow) error {
	if w.EndTime <= w.StartTime {
		return fmt.Errorf("%w: window end %q must be after start %q", ErrPrecondition, w.EndTime, w.StartTime)
	}
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO call_windows (id, user_id, kind, day_of_week, date, start_time, end_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.UserID, w.Kind, int(w.DayOfWeek), w.Date, w.StartTime, w.EndTime, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call window: %w", mapErr(err))
	}
	return nil
}

// ListByUser returns all windows of a user.
func (r *windowRepo) ListByUser(ctx context.Context, userID string) ([]models.CallWindow, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, user_id, kind, day_of_week, date, start_time, end_time, created_at
		 FROM call_windows WHERE user_id = ? ORDER BY kind, day_of_week, date, start_time`), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call windows: %w", err)
	}
	defer rows.Close()

	var windows []models.CallWindow
	for rows.Next() {
		var w models.CallWindow
		var dow int
		if err := rows.Scan(&w.ID, &w.UserID, &w.Kind, &dow, &w.Date,
			&w.StartTime, &w.EndTime, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call window row: %w", err)
		}
		w.DayOfWeek = time.Weekday(dow)
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call window rows: %w", err)
	}

	return windows, nil
}

// ListUserIDs returns the distinct users that have at least one window.
func (r *windowRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM call_windows ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing window users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning window user row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating window user rows: %w", err)
	}

	return ids, nil
}

// Delete removes a window.
func (r *windowRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM call_windows WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting call window: %w", err)
	}
	return nil
}

// SetDayMode inserts or replaces a per-day mode override.
func (r *windowRepo) SetDayMode(ctx context.Context, mode *models.DayMode) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO day_modes (user_id, date, use_recurring) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, date) DO UPDATE SET use_recurring = excluded.use_recurring`),
		mode.UserID, mode.Date, mode.UseRecurring,
	)
	if err != nil {
		return fmt.Errorf("setting day mode: %w", mapErr(err))
	}
	return nil
}

// UseRecurring resolves the day mode for a (user, date). Missing rows default
// to recurring.
func (r *windowRepo) UseRecurring(ctx context.Context, userID, date string) (bool, error) {
	var useRecurring bool
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT use_recurring FROM day_modes WHERE user_id = ? AND date = ?`),
		userID, date,
	).Scan(&useRecurring)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting day mode: %w", err)
	}
	return useRecurring, nil
}
