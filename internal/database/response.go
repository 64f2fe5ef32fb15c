package database

import (
	"context"
	"fmt"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type responseRepo struct {
	db *DB
}

// NewResponseRepository creates a new ResponseRepository.
func NewResponseRepository(db *DB) ResponseRepository {
	return &responseRepo{db: db}
}

// Create inserts a prompt response. Positions must be contiguous from 1; a
// gap or duplicate is rejected so the runtime can fail loudly instead of
// persisting a diverged prompt list.
func (r *responseRepo) Create(ctx context.Context, resp *models.PromptResponse) error {
	if resp.Position < 1 {
		return fmt.Errorf("%w: position %d must be >= 1", ErrPrecondition, resp.Position)
	}

	count, err := r.CountBySession(ctx, resp.SessionID)
	if err != nil {
		return err
	}
	if resp.Position != count+1 {
		return fmt.Errorf("%w: position %d breaks contiguity, session %s has %d responses",
			ErrPrecondition, resp.Position, resp.SessionID, count)
	}

	_, err = r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO prompt_responses (id, session_id, prompt_id, prompt_text,
		 position, response_text, response_started, response_finished)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		resp.ID, resp.SessionID, resp.PromptID, resp.PromptText,
		resp.Position, resp.ResponseText, resp.ResponseStarted, resp.ResponseFinished,
	)
	if err != nil {
		return fmt.Errorf("inserting prompt response: %w", mapErr(err))
	}
	return nil
}

// ListBySession returns a session's responses in position order.
func (r *responseRepo) ListBySession(ctx context.Context, sessionID string) ([]models.PromptResponse, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, session_id, prompt_id, prompt_text, position, response_text,
		 response_started, response_finished
		 FROM prompt_responses WHERE session_id = ? ORDER BY position`), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing prompt responses: %w", err)
	}
	defer rows.Close()

	var responses []models.PromptResponse
	for rows.Next() {
		var resp models.PromptResponse
		if err := rows.Scan(&resp.ID, &resp.SessionID, &resp.PromptID, &resp.PromptText,
			&resp.Position, &resp.ResponseText, &resp.ResponseStarted, &resp.ResponseFinished); err != nil {
			return nil, fmt.Errorf("scanning prompt response row: %w", err)
		}
		responses = append(responses, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating prompt response rows: %w", err)
	}

	return responses, nil
}

// CountBySession returns the number of responses recorded for a session.
func (r *responseRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT COUNT(*) FROM prompt_responses WHERE session_id = ?`), sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting prompt responses: %w", err)
	}
	return count, nil
}
