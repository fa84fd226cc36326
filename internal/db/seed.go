package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaibhavgarg25/dashboard/internal/crypto"
)

// EnsureAdmin creates the bootstrap ADMIN account when no user with the
// given email exists yet. A no-op when email or password is empty.
func EnsureAdmin(ctx context.Context, pool *pgxpool.Pool, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists); err != nil {
		return fmt.Errorf("check seed admin: %w", err)
	}
	if exists {
		return nil
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	now := time.Now().UTC()
	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'ADMIN', $5, $5)
	`, uuid.NewString(), "Administrator", email, hash, now)
	if err != nil {
		return fmt.Errorf("insert seed admin: %w", err)
	}
	return nil
}
