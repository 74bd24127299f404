package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
)

// SQLiteDirectory persists users and the waitlist next to the sqlite deal store.
// Timestamps are stored as unix nanoseconds.
type SQLiteDirectory struct {
	pool    *sqlitex.Pool
	ownPool bool
	clock   clock.Clock
}

// NewSQLiteDirectory opens its own pool on path.
func NewSQLiteDirectory(ctx context.Context, path string, poolSize int, clk clock.Clock) (*SQLiteDirectory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if poolSize <= 0 {
		poolSize = 2
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout=5000", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s, err := NewSQLiteDirectoryWithPool(ctx, pool, clk)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownPool = true
	return s, nil
}

// NewSQLiteDirectoryWithPool shares an existing pool.
func NewSQLiteDirectoryWithPool(ctx context.Context, pool *sqlitex.Pool, clk clock.Clock) (*SQLiteDirectory, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &SQLiteDirectory{pool: pool, clock: clk}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDirectory) Close() {
	if s.ownPool {
		s.pool.Close()
	}
}

func (s *SQLiteDirectory) initSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	const schema = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT UNIQUE NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT '',
  bio TEXT NOT NULL DEFAULT '',
  niche TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS waitlist (
  email TEXT PRIMARY KEY,
  source TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  approved_at INTEGER
);
`
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("init directory schema: %w", err)
	}
	return nil
}

func unixNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func readUser(stmt *sqlite.Stmt) User {
	return User{
		ID:          stmt.ColumnText(0),
		Email:       stmt.ColumnText(1),
		DisplayName: stmt.ColumnText(2),
		Role:        deal.Role(stmt.ColumnText(3)),
		Bio:         stmt.ColumnText(4),
		Niche:       stmt.ColumnText(5),
		AvatarURL:   stmt.ColumnText(6),
		CreatedAt:   time.Unix(0, stmt.ColumnInt64(7)).UTC(),
		UpdatedAt:   time.Unix(0, stmt.ColumnInt64(8)).UTC(),
	}
}

func readWaitlist(stmt *sqlite.Stmt) WaitlistEntry {
	e := WaitlistEntry{
		Email:     stmt.ColumnText(0),
		Source:    stmt.ColumnText(1),
		Status:    stmt.ColumnText(2),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
	}
	if !stmt.ColumnIsNull(4) {
		at := time.Unix(0, stmt.ColumnInt64(4)).UTC()
		e.ApprovedAt = &at
	}
	return e
}

func queryUsers(conn *sqlite.Conn, query string, args ...any) ([]User, error) {
	out := make([]User, 0)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, readUser(stmt))
			return nil
		},
	})
	return out, err
}

func queryWaitlist(conn *sqlite.Conn, query string, args ...any) ([]WaitlistEntry, error) {
	out := make([]WaitlistEntry, 0)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, readWaitlist(stmt))
			return nil
		},
	})
	return out, err
}

func (s *SQLiteDirectory) EnsureUser(ctx context.Context, email string) (User, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return User{}, false, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	now := unixNanos(s.clock.Now())
	err = sqlitex.Execute(conn, `INSERT INTO users (id, email, created_at, updated_at) VALUES (?,?,?,?)
ON CONFLICT (email) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{uuid.NewString(), email, now, now},
	})
	if err != nil {
		return User{}, false, fmt.Errorf("insert user: %w", err)
	}
	created := conn.Changes() > 0
	rows, err := queryUsers(conn, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	if err != nil {
		return User{}, false, fmt.Errorf("load user: %w", err)
	}
	if len(rows) == 0 {
		return User{}, false, ErrUserNotFound
	}
	return rows[0], created, nil
}

func (s *SQLiteDirectory) GetUser(ctx context.Context, id string) (User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return User{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := queryUsers(conn, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if len(rows) == 0 {
		return User{}, ErrUserNotFound
	}
	return rows[0], nil
}

func (s *SQLiteDirectory) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (User, error) {
	update, err := update.Normalize()
	if err != nil {
		return User{}, err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return User{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
UPDATE users SET display_name = ?, role = ?, bio = ?, niche = ?, avatar_url = ?, updated_at = ?
WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{update.DisplayName, string(update.Role), update.Bio, update.Niche, update.AvatarURL,
			unixNanos(s.clock.Now()), id},
	})
	if err != nil {
		return User{}, fmt.Errorf("update profile: %w", err)
	}
	if conn.Changes() == 0 {
		return User{}, ErrUserNotFound
	}
	rows, err := queryUsers(conn, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	if len(rows) == 0 {
		return User{}, ErrUserNotFound
	}
	return rows[0], nil
}

func (s *SQLiteDirectory) SearchProfiles(ctx context.Context, filter ProfileFilter) ([]User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.TrimSpace(filter.Query)) + "%"
	rows, err := queryUsers(conn, `
SELECT `+userColumns+` FROM users
WHERE role IN ('creator', 'business') AND display_name <> ''
  AND (?1 = '' OR role = ?1)
  AND (?2 = '' OR id <> ?2)
  AND (display_name || ' ' || niche || ' ' || bio) LIKE ?3 ESCAPE '\'
ORDER BY display_name, id
LIMIT ?4`, string(filter.Role), filter.ExcludeID, pattern, clampLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	return rows, nil
}

func (s *SQLiteDirectory) JoinWaitlist(ctx context.Context, email, source string) (WaitlistEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO waitlist (email, source, status, created_at) VALUES (?,?,?,?)
ON CONFLICT (email) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{email, source, WaitlistPending, unixNanos(s.clock.Now())},
	})
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("join waitlist: %w", err)
	}
	return getWaitlistConn(conn, email)
}

func getWaitlistConn(conn *sqlite.Conn, email string) (WaitlistEntry, error) {
	rows, err := queryWaitlist(conn, `SELECT `+waitlistColumns+` FROM waitlist WHERE email = ?`, email)
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("get waitlist entry: %w", err)
	}
	if len(rows) == 0 {
		return WaitlistEntry{}, ErrNotOnWaitlist
	}
	return rows[0], nil
}

func (s *SQLiteDirectory) GetWaitlistEntry(ctx context.Context, email string) (WaitlistEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	return getWaitlistConn(conn, email)
}

func (s *SQLiteDirectory) ApproveWaitlist(ctx context.Context, email string) (WaitlistEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	now := unixNanos(s.clock.Now())
	err = sqlitex.Execute(conn, `
INSERT INTO waitlist (email, source, status, created_at, approved_at) VALUES (?, 'admin', ?, ?, ?)
ON CONFLICT (email) DO UPDATE SET
  status = excluded.status,
  approved_at = COALESCE(waitlist.approved_at, excluded.approved_at)`, &sqlitex.ExecOptions{
		Args: []any{email, WaitlistApproved, now, now},
	})
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("approve waitlist: %w", err)
	}
	return getWaitlistConn(conn, email)
}

func (s *SQLiteDirectory) ListWaitlist(ctx context.Context, status string) ([]WaitlistEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := queryWaitlist(conn, `SELECT `+waitlistColumns+` FROM waitlist
WHERE (?1 = '' OR status = ?1) ORDER BY created_at, email`, status)
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	return rows, nil
}
