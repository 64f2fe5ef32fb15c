package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type entryRepo struct {
	db *DB
}

// NewEntryRepository creates a new EntryRepository.
func NewEntryRepository(db *DB) EntryRepository {
	return &entryRepo{db: db}
}

// Create writes the entry row and its response snapshot in one transaction.
// The unique (user_id, local_date) index makes a duplicate day an ErrConflict;
// nothing of the first entry is mutated.
func (r *entryRepo) Create(ctx context.Context, e *models.JournalEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning entry transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.rebind(
		`INSERT INTO journal_entries (id, user_id, session_id, local_date, rating, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.SessionID, e.LocalDate, e.Rating, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", mapErr(err))
	}

	for _, resp := range e.Responses {
		_, err = tx.ExecContext(ctx, r.db.rebind(
			`INSERT INTO journal_entry_responses (entry_id, position, prompt_id,
			 prompt_text, response_text, response_started, response_finished)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			e.ID, resp.Position, resp.PromptID,
			resp.PromptText, resp.ResponseText, resp.ResponseStarted, resp.ResponseFinished,
		)
		if err != nil {
			return fmt.Errorf("inserting entry response %d: %w", resp.Position, mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing journal entry: %w", err)
	}
	return nil
}

// GetByUserDate returns the entry for a (user, local date) with its responses.
func (r *entryRepo) GetByUserDate(ctx context.Context, userID, localDate string) (*models.JournalEntry, error) {
	return r.getOne(ctx, `WHERE user_id = ? AND local_date = ?`, userID, localDate)
}

// GetBySession returns the entry created from a session.
func (r *entryRepo) GetBySession(ctx context.Context, sessionID string) (*models.JournalEntry, error) {
	return r.getOne(ctx, `WHERE session_id = ?`, sessionID)
}

// ExistsForUserDate reports whether an entry exists for the (user, local date).
func (r *entryRepo) ExistsForUserDate(ctx context.Context, userID, localDate string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT COUNT(*) FROM journal_entries WHERE user_id = ? AND local_date = ?`),
		userID, localDate,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking journal entry existence: %w", err)
	}
	return count > 0, nil
}

// Delete removes the entry. Response snapshots go with it via the foreign key
// cascade; the underlying reflection session is never touched.
func (r *entryRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM journal_entries WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting journal entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking entry delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deleting journal entry: %w", ErrNotFound)
	}
	return nil
}

// CountAll returns the total number of journal entries.
func (r *entryRepo) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting journal entries: %w", err)
	}
	return n, nil
}

func (r *entryRepo) getOne(ctx context.Context, where string, args ...any) (*models.JournalEntry, error) {
	var e models.JournalEntry
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT id, user_id, session_id, local_date, rating, created_at
		 FROM journal_entries `+where), args...,
	).Scan(&e.ID, &e.UserID, &e.SessionID, &e.LocalDate, &e.Rating, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting journal entry: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting journal entry: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT position, prompt_id, prompt_text, response_text,
		 response_started, response_finished
		 FROM journal_entry_responses WHERE entry_id = ? ORDER BY position`), e.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing entry responses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var resp models.PromptResponse
		resp.SessionID = e.SessionID
		if err := rows.Scan(&resp.Position, &resp.PromptID, &resp.PromptText,
			&resp.ResponseText, &resp.ResponseStarted, &resp.ResponseFinished); err != nil {
			return nil, fmt.Errorf("scanning entry response row: %w", err)
		}
		e.Responses = append(e.Responses, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entry response rows: %w", err)
	}

	return &e, nil
}
