package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads raw configuration values.
type Store interface {
	Lookup(ctx context.Context, section, name string) (value string, ok bool, err error)
}

// Repository reads the uiconfig table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Lookup returns the enabled value of section.name.
func (r *Repository) Lookup(ctx context.Context, section, name string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(value, '') FROM uiconfig
WHERE section = $1 AND var = $2 AND disabled = 0
ORDER BY id LIMIT 1`, section, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
