package dealstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"sponsorhub-backend/core/deal"
)

// SQLiteStore persists deals in an embedded SQLite database for single-node deployments.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	pool *sqlitex.Pool
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string, poolSize int) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &SQLiteStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Pool exposes the connection pool so the account directory can share the database file.
func (s *SQLiteStore) Pool() *sqlitex.Pool { return s.pool }

func (s *SQLiteStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	schema := `
CREATE TABLE IF NOT EXISTS deals (
  id TEXT PRIMARY KEY,
  initiator_id TEXT NOT NULL,
  counterparty_id TEXT NOT NULL,
  creator_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  deal_value INTEGER,
  delivery_deadline TEXT NOT NULL DEFAULT '',
  rejected INTEGER NOT NULL DEFAULT 0,
  rejected_by TEXT NOT NULL DEFAULT '',
  rejected_at INTEGER,
  payout_status TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  approved_at INTEGER,
  payout_requested_at INTEGER,
  payment_released_at INTEGER
);
CREATE TABLE IF NOT EXISTS deal_proposals (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT UNIQUE NOT NULL,
  deal_id TEXT NOT NULL REFERENCES deals(id),
  party_id TEXT NOT NULL,
  amount INTEGER NOT NULL,
  deadline TEXT NOT NULL,
  idempotency_key TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS deal_proposals_party_idx ON deal_proposals(deal_id, party_id, seq);
CREATE TABLE IF NOT EXISTS deal_agreements (
  deal_id TEXT NOT NULL REFERENCES deals(id),
  party_id TEXT NOT NULL,
  proposal_id TEXT NOT NULL,
  other_proposal_id TEXT NOT NULL,
  agreed_at INTEGER NOT NULL,
  PRIMARY KEY (deal_id, party_id)
);
CREATE TABLE IF NOT EXISTS deal_submissions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT UNIQUE NOT NULL,
  deal_id TEXT NOT NULL REFERENCES deals(id),
  party_id TEXT NOT NULL,
  url TEXT NOT NULL,
  status TEXT NOT NULL,
  rejection_reason TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT NOT NULL DEFAULT '',
  reviewed_by TEXT NOT NULL DEFAULT '',
  reviewed_at INTEGER,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS deal_messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT UNIQUE NOT NULL,
  deal_id TEXT NOT NULL REFERENCES deals(id),
  sender_id TEXT NOT NULL,
  body TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("init deal schema: %w", err)
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func columnTimePtr(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	t := fromNanos(stmt.ColumnInt64(col))
	return &t
}

func readDeal(stmt *sqlite.Stmt) deal.Deal {
	d := deal.Deal{
		ID:                stmt.ColumnText(0),
		InitiatorID:       stmt.ColumnText(1),
		CounterpartyID:    stmt.ColumnText(2),
		CreatorID:         stmt.ColumnText(3),
		Stage:             deal.Stage(stmt.ColumnText(4)),
		Message:           stmt.ColumnText(5),
		DeliveryDeadline:  stmt.ColumnText(7),
		Rejected:          stmt.ColumnInt64(8) != 0,
		RejectedBy:        stmt.ColumnText(9),
		RejectedAt:        columnTimePtr(stmt, 10),
		PayoutStatus:      stmt.ColumnText(11),
		Version:           stmt.ColumnInt64(12),
		CreatedAt:         fromNanos(stmt.ColumnInt64(13)),
		UpdatedAt:         fromNanos(stmt.ColumnInt64(14)),
		ApprovedAt:        columnTimePtr(stmt, 15),
		PayoutRequestedAt: columnTimePtr(stmt, 16),
		PaymentReleasedAt: columnTimePtr(stmt, 17),
	}
	if !stmt.ColumnIsNull(6) {
		v := stmt.ColumnInt64(6)
		d.DealValue = &v
	}
	return d
}

func readProposal(stmt *sqlite.Stmt) deal.TermProposal {
	return deal.TermProposal{
		ID:             stmt.ColumnText(0),
		DealID:         stmt.ColumnText(1),
		PartyID:        stmt.ColumnText(2),
		Amount:         stmt.ColumnInt64(3),
		Deadline:       stmt.ColumnText(4),
		Seq:            stmt.ColumnInt64(5),
		IdempotencyKey: stmt.ColumnText(6),
		CreatedAt:      fromNanos(stmt.ColumnInt64(7)),
	}
}

func readSubmission(stmt *sqlite.Stmt) deal.Submission {
	return deal.Submission{
		ID:              stmt.ColumnText(0),
		DealID:          stmt.ColumnText(1),
		PartyID:         stmt.ColumnText(2),
		URL:             stmt.ColumnText(3),
		Status:          stmt.ColumnText(4),
		RejectionReason: stmt.ColumnText(5),
		Seq:             stmt.ColumnInt64(6),
		IdempotencyKey:  stmt.ColumnText(7),
		ReviewedBy:      stmt.ColumnText(8),
		ReviewedAt:      columnTimePtr(stmt, 9),
		CreatedAt:       fromNanos(stmt.ColumnInt64(10)),
	}
}

// queryDeals runs query and collects deal rows.
func queryDeals(conn *sqlite.Conn, query string, args ...any) ([]deal.Deal, error) {
	out := make([]deal.Deal, 0)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, readDeal(stmt))
			return nil
		},
	})
	return out, err
}

func getDealConn(conn *sqlite.Conn, id string) (deal.Deal, error) {
	rows, err := queryDeals(conn, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("get deal: %w", err)
	}
	if len(rows) == 0 {
		return deal.Deal{}, deal.ErrDealNotFound
	}
	return rows[0], nil
}

func (s *SQLiteStore) CreateDeal(ctx context.Context, d deal.Deal) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	if d.Version == 0 {
		d.Version = 1
	}
	err = sqlitex.Execute(conn, `
INSERT INTO deals (id, initiator_id, counterparty_id, creator_id, stage, message, deal_value, delivery_deadline,
  rejected, rejected_by, rejected_at, payout_status, version, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, &sqlitex.ExecOptions{
		Args: []any{d.ID, d.InitiatorID, d.CounterpartyID, d.CreatorID, string(d.Stage), d.Message, nullableInt(d.DealValue),
			d.DeliveryDeadline, d.Rejected, d.RejectedBy, nullableNanos(d.RejectedAt), d.PayoutStatus, d.Version,
			nanos(d.CreatedAt), nanos(d.UpdatedAt)},
	})
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	return getDealConn(conn, id)
}

func (s *SQLiteStore) ListDeals(ctx context.Context, filter deal.DealFilter) ([]deal.Deal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := queryDeals(conn, `SELECT `+dealColumns+` FROM deals
WHERE (?1 = '' OR initiator_id = ?1 OR counterparty_id = ?1)
  AND (?2 = '' OR stage = ?2)
ORDER BY updated_at DESC, id
LIMIT ?3`, filter.PartyID, string(filter.Stage), clampLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) UpdateDeal(ctx context.Context, change deal.StageChange) (d deal.Deal, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer endTx(&err)
	return applyChangeSQLite(conn, change)
}

// applyChangeSQLite runs the compare-and-swap on an open transaction.
func applyChangeSQLite(conn *sqlite.Conn, c deal.StageChange) (deal.Deal, error) {
	err := sqlitex.Execute(conn, `
UPDATE deals SET
  stage = ?1,
  version = version + 1,
  updated_at = ?2,
  deal_value = COALESCE(?3, deal_value),
  delivery_deadline = CASE WHEN ?4 = '' THEN delivery_deadline ELSE ?4 END,
  rejected = CASE WHEN ?5 THEN 1 ELSE rejected END,
  rejected_by = CASE WHEN ?5 THEN ?6 ELSE rejected_by END,
  rejected_at = CASE WHEN ?5 THEN ?2 ELSE rejected_at END,
  payout_status = CASE WHEN ?7 = '' THEN payout_status ELSE ?7 END,
  approved_at = COALESCE(?8, approved_at),
  payout_requested_at = COALESCE(?9, payout_requested_at),
  payment_released_at = COALESCE(?10, payment_released_at)
WHERE id = ?11 AND version = ?12 AND stage = ?13`, &sqlitex.ExecOptions{
		Args: []any{string(c.To), nanos(c.At), nullableInt(c.DealValue), c.DeliveryDeadline, c.MarkRejected, c.RejectedBy,
			c.PayoutStatus, nullableNanos(c.ApprovedAt), nullableNanos(c.PayoutRequestedAt), nullableNanos(c.PaymentReleasedAt),
			c.DealID, c.ExpectedVersion, string(c.From)},
	})
	if err != nil {
		return deal.Deal{}, fmt.Errorf("update deal: %w", err)
	}
	changed := conn.Changes()
	d, err := getDealConn(conn, c.DealID)
	if err != nil {
		return deal.Deal{}, err
	}
	if changed == 0 {
		return deal.Deal{}, deal.ErrStaleDeal
	}
	return d, nil
}

func (s *SQLiteStore) CreateProposal(ctx context.Context, p deal.TermProposal) (out deal.TermProposal, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return deal.TermProposal{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return deal.TermProposal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer endTx(&err)

	if _, err = getDealConn(conn, p.DealID); err != nil {
		return deal.TermProposal{}, err
	}
	if p.IdempotencyKey != "" {
		var existing []deal.TermProposal
		existing, err = queryProposals(conn, `SELECT `+proposalColumns+` FROM deal_proposals
WHERE deal_id = ? AND party_id = ? AND idempotency_key = ?`, p.DealID, p.PartyID, p.IdempotencyKey)
		if err != nil {
			return deal.TermProposal{}, fmt.Errorf("check idempotency key: %w", err)
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
	}
	err = sqlitex.Execute(conn, `INSERT INTO deal_proposals (id, deal_id, party_id, amount, deadline, idempotency_key, created_at)
VALUES (?,?,?,?,?,?,?)`, &sqlitex.ExecOptions{
		Args: []any{p.ID, p.DealID, p.PartyID, p.Amount, p.Deadline, p.IdempotencyKey, nanos(p.CreatedAt)},
	})
	if err != nil {
		return deal.TermProposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	p.Seq = conn.LastInsertRowID()
	return p, nil
}

func queryProposals(conn *sqlite.Conn, query string, args ...any) ([]deal.TermProposal, error) {
	out := make([]deal.TermProposal, 0)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, readProposal(stmt))
			return nil
		},
	})
	return out, err
}

func (s *SQLiteStore) LatestProposal(ctx context.Context, dealID, partyID string) (*deal.TermProposal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := queryProposals(conn, `SELECT `+proposalColumns+` FROM deal_proposals
WHERE deal_id = ? AND party_id = ? ORDER BY seq DESC LIMIT 1`, dealID, partyID)
	if err != nil {
		return nil, fmt.Errorf("latest proposal: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SQLiteStore) ListProposals(ctx context.Context, dealID string) ([]deal.TermProposal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := queryProposals(conn, `SELECT `+proposalColumns+` FROM deal_proposals WHERE deal_id = ? ORDER BY seq`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) SaveAgreement(ctx context.Context, a deal.Agreement) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	if _, err := getDealConn(conn, a.DealID); err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `
INSERT INTO deal_agreements (deal_id, party_id, proposal_id, other_proposal_id, agreed_at)
VALUES (?,?,?,?,?)
ON CONFLICT (deal_id, party_id) DO UPDATE SET
  proposal_id = excluded.proposal_id,
  other_proposal_id = excluded.other_proposal_id,
  agreed_at = excluded.agreed_at`, &sqlitex.ExecOptions{
		Args: []any{a.DealID, a.PartyID, a.ProposalID, a.OtherProposalID, nanos(a.AgreedAt)},
	})
	if err != nil {
		return fmt.Errorf("save agreement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgreements(ctx context.Context, dealID string) ([]deal.Agreement, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	out := make([]deal.Agreement, 0, 2)
	err = sqlitex.Execute(conn, `SELECT deal_id, party_id, proposal_id, other_proposal_id, agreed_at
FROM deal_agreements WHERE deal_id = ? ORDER BY party_id`, &sqlitex.ExecOptions{
		Args: []any{dealID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, deal.Agreement{
				DealID:          stmt.ColumnText(0),
				PartyID:         stmt.ColumnText(1),
				ProposalID:      stmt.ColumnText(2),
				OtherProposalID: stmt.ColumnText(3),
				AgreedAt:        fromNanos(stmt.ColumnInt64(4)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	return out, nil
}

func querySubmissions(conn *sqlite.Conn, query string, args ...any) ([]deal.Submission, error) {
	out := make([]deal.Submission, 0)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, readSubmission(stmt))
			return nil
		},
	})
	return out, err
}

func (s *SQLiteStore) SubmitContent(ctx context.Context, sub deal.Submission, change deal.StageChange) (out deal.Submission, d deal.Deal, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer endTx(&err)

	if sub.IdempotencyKey != "" {
		var existing []deal.Submission
		existing, err = querySubmissions(conn, `SELECT `+submissionColumns+` FROM deal_submissions
WHERE deal_id = ? AND party_id = ? AND idempotency_key = ?`, sub.DealID, sub.PartyID, sub.IdempotencyKey)
		if err != nil {
			return deal.Submission{}, deal.Deal{}, fmt.Errorf("check idempotency key: %w", err)
		}
		if len(existing) > 0 {
			d, err = getDealConn(conn, sub.DealID)
			if err != nil {
				return deal.Submission{}, deal.Deal{}, err
			}
			return existing[0], d, nil
		}
	}

	d, err = applyChangeSQLite(conn, change)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, err
	}
	err = sqlitex.Execute(conn, `INSERT INTO deal_submissions (id, deal_id, party_id, url, status, idempotency_key, created_at)
VALUES (?,?,?,?,?,?,?)`, &sqlitex.ExecOptions{
		Args: []any{sub.ID, sub.DealID, sub.PartyID, sub.URL, sub.Status, sub.IdempotencyKey, nanos(sub.CreatedAt)},
	})
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("insert submission: %w", err)
	}
	sub.Seq = conn.LastInsertRowID()
	return sub, d, nil
}

func (s *SQLiteStore) ReviewSubmission(ctx context.Context, review deal.Review, change deal.StageChange) (out deal.Submission, d deal.Deal, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer endTx(&err)

	var rows []deal.Submission
	rows, err = querySubmissions(conn, `SELECT `+submissionColumns+` FROM deal_submissions
WHERE deal_id = ? ORDER BY seq DESC`, review.DealID)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("list submissions: %w", err)
	}
	idx := -1
	for i := range rows {
		if rows[i].ID == review.SubmissionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		err = deal.ErrSubmissionNotFound
		return deal.Submission{}, deal.Deal{}, err
	}
	if idx != 0 || rows[0].Status != deal.SubmissionPending {
		err = deal.ErrNoActionableSubmission
		return deal.Submission{}, deal.Deal{}, err
	}

	d, err = applyChangeSQLite(conn, change)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, err
	}
	reviewed := applyReview(rows[0], review)
	err = sqlitex.Execute(conn, `UPDATE deal_submissions SET status = ?, rejection_reason = ?, reviewed_by = ?, reviewed_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{reviewed.Status, reviewed.RejectionReason, reviewed.ReviewedBy, nullableNanos(reviewed.ReviewedAt), reviewed.ID},
		})
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("update submission: %w", err)
	}
	return reviewed, d, nil
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (deal.Submission, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return deal.Submission{}, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := querySubmissions(conn, `SELECT `+submissionColumns+` FROM deal_submissions WHERE id = ?`, id)
	if err != nil {
		return deal.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	if len(rows) == 0 {
		return deal.Submission{}, deal.ErrSubmissionNotFound
	}
	return rows[0], nil
}

func (s *SQLiteStore) LatestSubmission(ctx context.Context, dealID string) (*deal.Submission, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := querySubmissions(conn, `SELECT `+submissionColumns+` FROM deal_submissions
WHERE deal_id = ? ORDER BY seq DESC LIMIT 1`, dealID)
	if err != nil {
		return nil, fmt.Errorf("latest submission: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, dealID string) ([]deal.Submission, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := querySubmissions(conn, `SELECT `+submissionColumns+` FROM deal_submissions WHERE deal_id = ? ORDER BY seq`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m deal.Message) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	if _, err := getDealConn(conn, m.DealID); err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `INSERT INTO deal_messages (id, deal_id, sender_id, body, created_at) VALUES (?,?,?,?,?)`,
		&sqlitex.ExecOptions{Args: []any{m.ID, m.DealID, m.SenderID, m.Body, nanos(m.CreatedAt)}})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, dealID string, limit int) ([]deal.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	out := make([]deal.Message, 0)
	err = sqlitex.Execute(conn, `
SELECT id, deal_id, sender_id, body, created_at FROM (
  SELECT * FROM deal_messages WHERE deal_id = ? ORDER BY seq DESC LIMIT ?
) ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{dealID, clampLimit(limit)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, deal.Message{
				ID:        stmt.ColumnText(0),
				DealID:    stmt.ColumnText(1),
				SenderID:  stmt.ColumnText(2),
				Body:      stmt.ColumnText(3),
				CreatedAt: fromNanos(stmt.ColumnInt64(4)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PendingPayouts(ctx context.Context, requestedBefore time.Time) ([]deal.Deal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer s.pool.Put(conn)
	rows, err := queryDeals(conn, `SELECT `+dealColumns+` FROM deals
WHERE stage = ? AND payout_status = ? AND payout_requested_at IS NOT NULL AND payout_requested_at <= ?
ORDER BY payout_requested_at`, string(deal.StageApproved), deal.PayoutRequested, nanos(requestedBefore))
	if err != nil {
		return nil, fmt.Errorf("pending payouts: %w", err)
	}
	return rows, nil
}
