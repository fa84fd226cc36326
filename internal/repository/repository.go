package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaibhavgarg25/dashboard/internal/model"
)

// ErrEmailTaken maps the users.email unique constraint.
var ErrEmailTaken = errors.New("email already registered")

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, name, email, password_hash, role, bio, avatar_url, created_at, updated_at`

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email)
	err := scanUser(row.Scan, &user)
	return user, err
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, userID)
	err := scanUser(row.Scan, &user)
	return user, err
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, bio, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.Name, user.Email, user.PasswordHash, string(user.Role), user.Bio, user.AvatarURL, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

// UserUpdate carries the profile patch. Name and Email are patched when
// non-nil. Bio and AvatarURL are nullable, so a nil pointer alone cannot
// say "clear it": the Set flags mark the field as present, and a nil
// value with the flag set writes NULL. Role and password are not
// reachable through this path.
type UserUpdate struct {
	Name         *string
	Email        *string
	Bio          *string
	SetBio       bool
	AvatarURL    *string
	SetAvatarURL bool
}

func (s *Store) UpdateUser(ctx context.Context, userID string, update UserUpdate) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		UPDATE users
		SET name = COALESCE($1, name),
		    email = COALESCE($2, email),
		    bio = CASE WHEN $3::bool THEN $4 ELSE bio END,
		    avatar_url = CASE WHEN $5::bool THEN $6 ELSE avatar_url END,
		    updated_at = $7
		WHERE id = $8
		RETURNING `+userColumns+`
	`, update.Name, update.Email, update.SetBio, update.Bio, update.SetAvatarURL, update.AvatarURL, time.Now().UTC(), userID)
	err := scanUser(row.Scan, &user)
	if isUniqueViolation(err) {
		return model.User{}, ErrEmailTaken
	}
	return user, err
}

func (s *Store) CountByRole(ctx context.Context, role model.Role) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, string(role)).Scan(&count)
	return count, err
}

func (s *Store) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE created_at >= $1`, since).Scan(&count)
	return count, err
}

// SignupDates returns the creation timestamps of users created within
// [start, end], optionally restricted to one role.
func (s *Store) SignupDates(ctx context.Context, start, end time.Time, role *model.Role) ([]time.Time, error) {
	query := `SELECT created_at FROM users WHERE created_at >= $1 AND created_at <= $2`
	args := []interface{}{start, end}
	if role != nil {
		query += ` AND role = $3`
		args = append(args, string(*role))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var createdAt time.Time
		if err := rows.Scan(&createdAt); err != nil {
			return nil, err
		}
		dates = append(dates, createdAt)
	}
	return dates, rows.Err()
}

// escapeLike neutralizes LIKE metacharacters so the search term is
// matched literally.
func escapeLike(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `%`, `\%`)
	value = strings.ReplaceAll(value, `_`, `\_`)
	return value
}

// ListUsers returns users newest-first. An empty query matches all
// users; an empty role list places no role restriction.
func (s *Store) ListUsers(ctx context.Context, query string, roles []model.Role) ([]model.User, error) {
	roleStrings := make([]string, 0, len(roles))
	for _, role := range roles {
		roleStrings = append(roleStrings, string(role))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE ($1::text = '' OR name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%')
		  AND (cardinality($2::text[]) = 0 OR role = ANY($2::text[]))
		ORDER BY created_at DESC
	`, escapeLike(query), roleStrings)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var user model.User
		if err := scanUser(rows.Scan, &user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func scanUser(scan func(...interface{}) error, user *model.User) error {
	return scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Bio,
		&user.AvatarURL,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
