package database

import (
	"context"
	"fmt"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

type profileRepo struct {
	db *DB
}

// NewProfileRepository creates a new ProfileRepository.
func NewProfileRepository(db *DB) ProfileRepository {
	return &profileRepo{db: db}
}

// Upsert inserts or replaces a profile keyed by user ID.
func (r *profileRepo) Upsert(ctx context.Context, p *models.Profile) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO profiles (user_id, phone_number, display_name, name_pronunciation,
		 timezone, include_rating_prompt, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		 phone_number = excluded.phone_number,
		 display_name = excluded.display_name,
		 name_pronunciation = excluded.name_pronunciation,
		 timezone = excluded.timezone,
		 include_rating_prompt = excluded.include_rating_prompt,
		 max_retries = excluded.max_retries,
		 updated_at = excluded.updated_at`),
		p.UserID, p.PhoneNumber, p.DisplayName, p.NamePronunciation,
		p.Timezone, p.IncludeRatingPrompt, p.MaxRetries, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting profile: %w", mapErr(err))
	}
	return nil
}

// Get returns a profile by user ID.
func (r *profileRepo) Get(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT user_id, phone_number, display_name, name_pronunciation,
		 timezone, include_rating_prompt, max_retries, created_at, updated_at
		 FROM profiles WHERE user_id = ?`), userID,
	).Scan(&p.UserID, &p.PhoneNumber, &p.DisplayName, &p.NamePronunciation,
		&p.Timezone, &p.IncludeRatingPrompt, &p.MaxRetries, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", mapErr(err))
	}
	return &p, nil
}
