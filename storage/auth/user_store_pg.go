package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
)

// PGDirectory persists users and the waitlist in Postgres.
type PGDirectory struct {
	pool    *pgxpool.Pool
	ownPool bool
	clock   clock.Clock
}

// NewPGDirectory connects and initializes schema.
func NewPGDirectory(ctx context.Context, dsn string, clk clock.Clock) (*PGDirectory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPGDirectoryWithPool(ctx, pool, clk)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownPool = true
	return s, nil
}

// NewPGDirectoryWithPool shares an existing pool.
func NewPGDirectoryWithPool(ctx context.Context, pool *pgxpool.Pool, clk clock.Clock) (*PGDirectory, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &PGDirectory{pool: pool, clock: clk}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGDirectory) Close() {
	if s.ownPool {
		s.pool.Close()
	}
}

func (s *PGDirectory) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT UNIQUE NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT '',
  bio TEXT NOT NULL DEFAULT '',
  niche TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS waitlist (
  email TEXT PRIMARY KEY,
  source TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  approved_at TIMESTAMPTZ
);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init directory schema: %w", err)
	}
	return nil
}

const userColumns = `id, email, display_name, role, bio, niche, avatar_url, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &role, &u.Bio, &u.Niche, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	u.Role = deal.Role(role)
	return u, err
}

func (s *PGDirectory) EnsureUser(ctx context.Context, email string) (User, bool, error) {
	now := s.clock.Now()
	u, err := scanUser(s.pool.QueryRow(ctx, `
INSERT INTO users (id, email, created_at, updated_at) VALUES ($1,$2,$3,$3)
ON CONFLICT (email) DO NOTHING
RETURNING `+userColumns, uuid.NewString(), email, now))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, fmt.Errorf("insert user: %w", err)
	}
	u, err = scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
	if err != nil {
		return User{}, false, fmt.Errorf("load user: %w", err)
	}
	return u, false, nil
}

func (s *PGDirectory) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PGDirectory) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (User, error) {
	update, err := update.Normalize()
	if err != nil {
		return User{}, err
	}
	u, err := scanUser(s.pool.QueryRow(ctx, `
UPDATE users SET display_name=$2, role=$3, bio=$4, niche=$5, avatar_url=$6, updated_at=$7
WHERE id=$1
RETURNING `+userColumns,
		id, update.DisplayName, string(update.Role), update.Bio, update.Niche, update.AvatarURL, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}

func (s *PGDirectory) SearchProfiles(ctx context.Context, filter ProfileFilter) ([]User, error) {
	pattern := "%" + strings.NewReplacer("%", `\%`, "_", `\_`).Replace(strings.TrimSpace(filter.Query)) + "%"
	rows, err := s.pool.Query(ctx, `
SELECT `+userColumns+` FROM users
WHERE role IN ('creator', 'business') AND display_name <> ''
  AND ($1 = '' OR role = $1)
  AND ($2 = '' OR id <> $2)
  AND (display_name || ' ' || niche || ' ' || bio) ILIKE $3
ORDER BY display_name, id
LIMIT $4`, string(filter.Role), filter.ExcludeID, pattern, clampLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	defer rows.Close()
	out := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const waitlistColumns = `email, source, status, created_at, approved_at`

func scanWaitlist(row pgx.Row) (WaitlistEntry, error) {
	var e WaitlistEntry
	err := row.Scan(&e.Email, &e.Source, &e.Status, &e.CreatedAt, &e.ApprovedAt)
	return e, err
}

func (s *PGDirectory) JoinWaitlist(ctx context.Context, email, source string) (WaitlistEntry, error) {
	_, err := s.pool.Exec(ctx, `INSERT INTO waitlist (email, source, status, created_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (email) DO NOTHING`, email, source, WaitlistPending, s.clock.Now())
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("join waitlist: %w", err)
	}
	return s.GetWaitlistEntry(ctx, email)
}

func (s *PGDirectory) GetWaitlistEntry(ctx context.Context, email string) (WaitlistEntry, error) {
	e, err := scanWaitlist(s.pool.QueryRow(ctx, `SELECT `+waitlistColumns+` FROM waitlist WHERE email=$1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return WaitlistEntry{}, ErrNotOnWaitlist
	}
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("get waitlist entry: %w", err)
	}
	return e, nil
}

func (s *PGDirectory) ApproveWaitlist(ctx context.Context, email string) (WaitlistEntry, error) {
	now := s.clock.Now()
	e, err := scanWaitlist(s.pool.QueryRow(ctx, `
INSERT INTO waitlist (email, source, status, created_at, approved_at) VALUES ($1, 'admin', $2, $3, $3)
ON CONFLICT (email) DO UPDATE SET
  status = EXCLUDED.status,
  approved_at = COALESCE(waitlist.approved_at, EXCLUDED.approved_at)
RETURNING `+waitlistColumns, email, WaitlistApproved, now))
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("approve waitlist: %w", err)
	}
	return e, nil
}

func (s *PGDirectory) ListWaitlist(ctx context.Context, status string) ([]WaitlistEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+waitlistColumns+` FROM waitlist
WHERE ($1 = '' OR status = $1) ORDER BY created_at, email`, status)
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	defer rows.Close()
	out := make([]WaitlistEntry, 0)
	for rows.Next() {
		e, err := scanWaitlist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waitlist: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
