package database

import (
	"context"
	"fmt"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type promptTemplateRepo struct {
	db *DB
}

// NewPromptTemplateRepository creates a new PromptTemplateRepository.
func NewPromptTemplateRepository(db *DB) PromptTemplateRepository {
	return &promptTemplateRepo{db: db}
}

// Create inserts a prompt template.
func (r *promptTemplateRepo) Create(ctx context.Context, t *models.PromptTemplate) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO prompt_templates (id, user_id, prompt_text, position, active,
		 is_rating_prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UserID, t.PromptText, t.Position, t.Active,
		t.IsRatingPrompt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting prompt template: %w", mapErr(err))
	}
	return nil
}

// Update modifies an existing prompt template.
func (r *promptTemplateRepo) Update(ctx context.Context, t *models.PromptTemplate) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE prompt_templates SET prompt_text = ?, position = ?, active = ?,
		 is_rating_prompt = ?, updated_at = ? WHERE id = ?`),
		t.PromptText, t.Position, t.Active, t.IsRatingPrompt, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating prompt template: %w", mapErr(err))
	}
	return nil
}

// ListActive returns a user's active prompt templates in position order.
func (r *promptTemplateRepo) ListActive(ctx context.Context, userID string) ([]models.PromptTemplate, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, user_id, prompt_text, position, active, is_rating_prompt,
		 created_at, updated_at
		 FROM prompt_templates WHERE user_id = ? AND active ORDER BY position`), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active prompt templates: %w", err)
	}
	defer rows.Close()

	var templates []models.PromptTemplate
	for rows.Next() {
		var t models.PromptTemplate
		if err := rows.Scan(&t.ID, &t.UserID, &t.PromptText, &t.Position, &t.Active,
			&t.IsRatingPrompt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning prompt template row: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating prompt template rows: %w", err)
	}

	return templates, nil
}

// Delete removes a prompt template.
func (r *promptTemplateRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM prompt_templates WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting prompt template: %w", err)
	}
	return nil
}
