package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type phoneCallRepo struct {
	db *DB
}

// NewPhoneCallRepository creates a new PhoneCallRepository.
func NewPhoneCallRepository(db *DB) PhoneCallRepository {
	return &phoneCallRepo{db: db}
}

// Create inserts a phone call. Rejects a second non-terminal call for the
// same user.
func (r *phoneCallRepo) Create(ctx context.Context, c *models.PhoneCall) error {
	if !c.Status.Terminal() {
		busy, err := r.HasNonTerminalForUser(ctx, c.UserID)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: user %s already has an active phone call", ErrConflict, c.UserID)
		}
	}

	promptsJSON, err := marshalPrompts(c.Prompts)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO phone_calls (id, user_id, session_id, provider_call_sid,
		 status, prompts, prompt_index, response_buffer, last_speech_at,
		 initiated_at, connected_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.UserID, c.SessionID, c.ProviderCallSID,
		c.Status, promptsJSON, c.PromptIndex, c.ResponseBuffer, c.LastSpeechAt,
		c.InitiatedAt, c.ConnectedAt, c.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting phone call: %w", mapErr(err))
	}
	return nil
}

// Get returns a phone call by ID.
func (r *phoneCallRepo) Get(ctx context.Context, id string) (*models.PhoneCall, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		selectPhoneCall+` WHERE id = ?`), id))
}

// GetBySID returns a phone call by provider call SID.
func (r *phoneCallRepo) GetBySID(ctx context.Context, sid string) (*models.PhoneCall, error) {
	if sid == "" {
		return nil, fmt.Errorf("%w: empty provider call sid", ErrPrecondition)
	}
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		selectPhoneCall+` WHERE provider_call_sid = ?`), sid))
}

// AssignSID sets the provider call SID exactly once. The guard on an empty
// current value makes reassignment impossible.
func (r *phoneCallRepo) AssignSID(ctx context.Context, id, sid string) error {
	if sid == "" {
		return fmt.Errorf("%w: empty provider call sid", ErrPrecondition)
	}
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE phone_calls SET provider_call_sid = ? WHERE id = ? AND provider_call_sid = ''`),
		sid, id,
	)
	if err != nil {
		return fmt.Errorf("assigning call sid: %w", mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking sid assignment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: call %s already has a provider sid", ErrPrecondition, id)
	}
	return nil
}

// MarkConnected moves INITIATED -> CONNECTED. A repeat delivery of the answer
// webhook finds the guard false and changes nothing.
func (r *phoneCallRepo) MarkConnected(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE phone_calls SET status = ?, connected_at = ?
		 WHERE id = ? AND status = ?`),
		models.CallConnected, at, id, models.CallInitiated,
	)
	if err != nil {
		return fmt.Errorf("connecting phone call: %w", err)
	}
	return nil
}

// AppendBuffer appends a final transcript segment to the response buffer,
// separated by a single space, and stamps the speech time. Only valid while
// the call is CONNECTED.
func (r *phoneCallRepo) AppendBuffer(ctx context.Context, id, segment string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE phone_calls SET
		 response_buffer = CASE WHEN response_buffer = '' THEN ? ELSE response_buffer || ' ' || ? END,
		 last_speech_at = ?
		 WHERE id = ? AND status = ?`),
		segment, segment, at, id, models.CallConnected,
	)
	if err != nil {
		return fmt.Errorf("appending response buffer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking buffer append: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: call %s is not connected", ErrPrecondition, id)
	}
	return nil
}

// TouchSpeech stamps the last-speech time without touching the buffer.
// Used for interim transcripts.
func (r *phoneCallRepo) TouchSpeech(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE phone_calls SET last_speech_at = ? WHERE id = ? AND status = ?`),
		at, id, models.CallConnected,
	)
	if err != nil {
		return fmt.Errorf("touching speech time: %w", err)
	}
	return nil
}

// Advance increments the prompt index by exactly one and clears the response
// buffer. The fromIndex guard means a duplicate advance is rejected rather
// than skipping a prompt.
func (r *phoneCallRepo) Advance(ctx context.Context, id string, fromIndex int) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE phone_calls SET prompt_index = prompt_index + 1, response_buffer = ''
		 WHERE id = ? AND prompt_index = ? AND status = ?`),
		id, fromIndex, models.CallConnected,
	)
	if err != nil {
		return fmt.Errorf("advancing prompt index: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking advance: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: call %s not at prompt %d", ErrPrecondition, id, fromIndex)
	}
	return nil
}

// Finish flips a non-terminal call to a terminal status. Terminal statuses
// are sticky; finishing twice is a no-op.
func (r *phoneCallRepo) Finish(ctx context.Context, id string, status models.CallStatus, endedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrPrecondition, status)
	}
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE phone_calls SET status = ?, ended_at = ?
		 WHERE id = ? AND status IN (?, ?)`),
		status, endedAt, id, models.CallInitiated, models.CallConnected,
	)
	if err != nil {
		return fmt.Errorf("finishing phone call: %w", err)
	}
	return nil
}

// HasNonTerminalForUser reports whether the user has an INITIATED or
// CONNECTED call.
func (r *phoneCallRepo) HasNonTerminalForUser(ctx context.Context, userID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT COUNT(*) FROM phone_calls WHERE user_id = ? AND status IN (?, ?)`),
		userID, models.CallInitiated, models.CallConnected,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting non-terminal phone calls: %w", err)
	}
	return count > 0, nil
}

// CountByStatus returns phone-call counts grouped by status.
func (r *phoneCallRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM phone_calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting phone calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning phone call count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating phone call counts: %w", err)
	}
	return counts, nil
}

const selectPhoneCall = `SELECT id, user_id, session_id, provider_call_sid,
	 status, prompts, prompt_index, response_buffer, last_speech_at,
	 initiated_at, connected_at, ended_at FROM phone_calls`

func (r *phoneCallRepo) scanOne(row *sql.Row) (*models.PhoneCall, error) {
	var c models.PhoneCall
	var promptsJSON string
	err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.ProviderCallSID,
		&c.Status, &promptsJSON, &c.PromptIndex, &c.ResponseBuffer, &c.LastSpeechAt,
		&c.InitiatedAt, &c.ConnectedAt, &c.EndedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scanning phone call: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning phone call: %w", err)
	}
	c.Prompts, err = unmarshalPrompts(promptsJSON)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
