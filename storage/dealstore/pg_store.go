package dealstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sponsorhub-backend/core/deal"
)

// PGStore persists deals in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pool so other stores can share it.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS deals (
  id TEXT PRIMARY KEY,
  initiator_id TEXT NOT NULL,
  counterparty_id TEXT NOT NULL,
  creator_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  deal_value BIGINT,
  delivery_deadline TEXT NOT NULL DEFAULT '',
  rejected BOOLEAN NOT NULL DEFAULT FALSE,
  rejected_by TEXT NOT NULL DEFAULT '',
  rejected_at TIMESTAMPTZ,
  payout_status TEXT NOT NULL DEFAULT '',
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  approved_at TIMESTAMPTZ,
  payout_requested_at TIMESTAMPTZ,
  payment_released_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS deals_initiator_idx ON deals(initiator_id);
CREATE INDEX IF NOT EXISTS deals_counterparty_idx ON deals(counterparty_id);
CREATE TABLE IF NOT EXISTS deal_proposals (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT UNIQUE NOT NULL,
  deal_id TEXT NOT NULL REFERENCES deals(id),
  party_id TEXT NOT NULL,
  amount BIGINT NOT NULL,
  deadline TEXT NOT NULL,
  idempotency_key TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS deal_proposals_idem_idx ON deal_proposals(deal_id, party_id, idempotency_key) WHERE idempotency_key <> '';
CREATE TABLE IF NOT EXISTS deal_agreements (
  deal_id TEXT NOT NULL REFERENCES deals(id),
  party_id TEXT NOT NULL,
  proposal_id TEXT NOT NULL,
  other_proposal_id TEXT NOT NULL,
  agreed_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (deal_id, party_id)
);
CREATE TABLE IF NOT EXISTS deal_submissions (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT UNIQUE NOT NULL,
  deal_id TEXT NOT NULL REFERENCES deals(id),
  party_id TEXT NOT NULL,
  url TEXT NOT NULL,
  status TEXT NOT NULL,
  rejection_reason TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT NOT NULL DEFAULT '',
  reviewed_by TEXT NOT NULL DEFAULT '',
  reviewed_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS deal_submissions_idem_idx ON deal_submissions(deal_id, party_id, idempotency_key) WHERE idempotency_key <> '';
CREATE TABLE IF NOT EXISTS deal_messages (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT UNIQUE NOT NULL,
  deal_id TEXT NOT NULL REFERENCES deals(id),
  sender_id TEXT NOT NULL,
  body TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init deal schema: %w", err)
	}
	return nil
}

const dealColumns = `id, initiator_id, counterparty_id, creator_id, stage, message, deal_value, delivery_deadline,
  rejected, rejected_by, rejected_at, payout_status, version, created_at, updated_at,
  approved_at, payout_requested_at, payment_released_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (deal.Deal, error) {
	var d deal.Deal
	var stage string
	err := row.Scan(&d.ID, &d.InitiatorID, &d.CounterpartyID, &d.CreatorID, &stage, &d.Message, &d.DealValue,
		&d.DeliveryDeadline, &d.Rejected, &d.RejectedBy, &d.RejectedAt, &d.PayoutStatus, &d.Version,
		&d.CreatedAt, &d.UpdatedAt, &d.ApprovedAt, &d.PayoutRequestedAt, &d.PaymentReleasedAt)
	d.Stage = deal.Stage(stage)
	return d, err
}

func (s *PGStore) CreateDeal(ctx context.Context, d deal.Deal) error {
	if d.Version == 0 {
		d.Version = 1
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO deals (id, initiator_id, counterparty_id, creator_id, stage, message, deal_value, delivery_deadline,
  rejected, rejected_by, rejected_at, payout_status, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		d.ID, d.InitiatorID, d.CounterpartyID, d.CreatorID, string(d.Stage), d.Message, d.DealValue, d.DeliveryDeadline,
		d.Rejected, d.RejectedBy, d.RejectedAt, d.PayoutStatus, d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (s *PGStore) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return deal.Deal{}, deal.ErrDealNotFound
	}
	if err != nil {
		return deal.Deal{}, fmt.Errorf("get deal: %w", err)
	}
	return d, nil
}

func (s *PGStore) ListDeals(ctx context.Context, filter deal.DealFilter) ([]deal.Deal, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+dealColumns+` FROM deals
WHERE ($1 = '' OR initiator_id = $1 OR counterparty_id = $1)
  AND ($2 = '' OR stage = $2)
ORDER BY updated_at DESC, id
LIMIT $3`, filter.PartyID, string(filter.Stage), clampLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()
	out := make([]deal.Deal, 0)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateDeal(ctx context.Context, change deal.StageChange) (deal.Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := applyChangePG(ctx, tx, change)
	if err != nil {
		return deal.Deal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return deal.Deal{}, fmt.Errorf("commit deal update: %w", err)
	}
	return d, nil
}

// applyChangePG runs the compare-and-swap inside tx.
func applyChangePG(ctx context.Context, tx pgx.Tx, c deal.StageChange) (deal.Deal, error) {
	d, err := scanDeal(tx.QueryRow(ctx, `
UPDATE deals SET
  stage = $1,
  version = version + 1,
  updated_at = $2,
  deal_value = COALESCE($3, deal_value),
  delivery_deadline = CASE WHEN $4::text = '' THEN delivery_deadline ELSE $4::text END,
  rejected = rejected OR $5::boolean,
  rejected_by = CASE WHEN $5::boolean THEN $6::text ELSE rejected_by END,
  rejected_at = CASE WHEN $5::boolean THEN $2 ELSE rejected_at END,
  payout_status = CASE WHEN $7::text = '' THEN payout_status ELSE $7::text END,
  approved_at = COALESCE($8, approved_at),
  payout_requested_at = COALESCE($9, payout_requested_at),
  payment_released_at = COALESCE($10, payment_released_at)
WHERE id = $11 AND version = $12 AND stage = $13
RETURNING `+dealColumns,
		string(c.To), c.At, c.DealValue, c.DeliveryDeadline, c.MarkRejected, c.RejectedBy, c.PayoutStatus,
		c.ApprovedAt, c.PayoutRequestedAt, c.PaymentReleasedAt, c.DealID, c.ExpectedVersion, string(c.From)))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM deals WHERE id=$1)`, c.DealID).Scan(&exists); qerr != nil {
			return deal.Deal{}, fmt.Errorf("check deal: %w", qerr)
		}
		if !exists {
			return deal.Deal{}, deal.ErrDealNotFound
		}
		return deal.Deal{}, deal.ErrStaleDeal
	}
	if err != nil {
		return deal.Deal{}, fmt.Errorf("update deal: %w", err)
	}
	return d, nil
}

const proposalColumns = `id, deal_id, party_id, amount, deadline, seq, idempotency_key, created_at`

func scanProposal(row rowScanner) (deal.TermProposal, error) {
	var p deal.TermProposal
	err := row.Scan(&p.ID, &p.DealID, &p.PartyID, &p.Amount, &p.Deadline, &p.Seq, &p.IdempotencyKey, &p.CreatedAt)
	return p, err
}

func (s *PGStore) CreateProposal(ctx context.Context, p deal.TermProposal) (deal.TermProposal, error) {
	out, err := scanProposal(s.pool.QueryRow(ctx, `
INSERT INTO deal_proposals (id, deal_id, party_id, amount, deadline, idempotency_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (deal_id, party_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING
RETURNING `+proposalColumns,
		p.ID, p.DealID, p.PartyID, p.Amount, p.Deadline, p.IdempotencyKey, p.CreatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, qerr := scanProposal(s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM deal_proposals
WHERE deal_id=$1 AND party_id=$2 AND idempotency_key=$3`, p.DealID, p.PartyID, p.IdempotencyKey))
		if qerr != nil {
			return deal.TermProposal{}, fmt.Errorf("load idempotent proposal: %w", qerr)
		}
		return existing, nil
	}
	if err != nil {
		return deal.TermProposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return out, nil
}

func (s *PGStore) LatestProposal(ctx context.Context, dealID, partyID string) (*deal.TermProposal, error) {
	p, err := scanProposal(s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM deal_proposals
WHERE deal_id=$1 AND party_id=$2 ORDER BY seq DESC LIMIT 1`, dealID, partyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest proposal: %w", err)
	}
	return &p, nil
}

func (s *PGStore) ListProposals(ctx context.Context, dealID string) ([]deal.TermProposal, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+proposalColumns+` FROM deal_proposals WHERE deal_id=$1 ORDER BY seq`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()
	out := make([]deal.TermProposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveAgreement(ctx context.Context, a deal.Agreement) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO deal_agreements (deal_id, party_id, proposal_id, other_proposal_id, agreed_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (deal_id, party_id) DO UPDATE SET
  proposal_id = EXCLUDED.proposal_id,
  other_proposal_id = EXCLUDED.other_proposal_id,
  agreed_at = EXCLUDED.agreed_at`,
		a.DealID, a.PartyID, a.ProposalID, a.OtherProposalID, a.AgreedAt)
	if err != nil {
		return fmt.Errorf("save agreement: %w", err)
	}
	return nil
}

func (s *PGStore) ListAgreements(ctx context.Context, dealID string) ([]deal.Agreement, error) {
	rows, err := s.pool.Query(ctx, `SELECT deal_id, party_id, proposal_id, other_proposal_id, agreed_at
FROM deal_agreements WHERE deal_id=$1 ORDER BY party_id`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()
	out := make([]deal.Agreement, 0, 2)
	for rows.Next() {
		var a deal.Agreement
		if err := rows.Scan(&a.DealID, &a.PartyID, &a.ProposalID, &a.OtherProposalID, &a.AgreedAt); err != nil {
			return nil, fmt.Errorf("scan agreement: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const submissionColumns = `id, deal_id, party_id, url, status, rejection_reason, seq, idempotency_key, reviewed_by, reviewed_at, created_at`

func scanSubmission(row rowScanner) (deal.Submission, error) {
	var sub deal.Submission
	err := row.Scan(&sub.ID, &sub.DealID, &sub.PartyID, &sub.URL, &sub.Status, &sub.RejectionReason, &sub.Seq,
		&sub.IdempotencyKey, &sub.ReviewedBy, &sub.ReviewedAt, &sub.CreatedAt)
	return sub, err
}

func (s *PGStore) SubmitContent(ctx context.Context, sub deal.Submission, change deal.StageChange) (deal.Submission, deal.Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if sub.IdempotencyKey != "" {
		existing, err := scanSubmission(tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM deal_submissions
WHERE deal_id=$1 AND party_id=$2 AND idempotency_key=$3`, sub.DealID, sub.PartyID, sub.IdempotencyKey))
		if err == nil {
			d, derr := scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=$1`, sub.DealID))
			if derr != nil {
				return deal.Submission{}, deal.Deal{}, fmt.Errorf("load deal: %w", derr)
			}
			return existing, d, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return deal.Submission{}, deal.Deal{}, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	d, err := applyChangePG(ctx, tx, change)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, err
	}
	out, err := scanSubmission(tx.QueryRow(ctx, `
INSERT INTO deal_submissions (id, deal_id, party_id, url, status, idempotency_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING `+submissionColumns,
		sub.ID, sub.DealID, sub.PartyID, sub.URL, sub.Status, sub.IdempotencyKey, sub.CreatedAt))
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("commit submission: %w", err)
	}
	return out, d, nil
}

func (s *PGStore) ReviewSubmission(ctx context.Context, review deal.Review, change deal.StageChange) (deal.Submission, deal.Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	latest, err := scanSubmission(tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM deal_submissions
WHERE deal_id=$1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`, review.DealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return deal.Submission{}, deal.Deal{}, deal.ErrSubmissionNotFound
	}
	if err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("latest submission: %w", err)
	}
	if latest.ID != review.SubmissionID {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM deal_submissions WHERE id=$1 AND deal_id=$2)`,
			review.SubmissionID, review.DealID).Scan(&exists); err != nil {
			return deal.Submission{}, deal.Deal{}, fmt.Errorf("check submission: %w", err)
		}
		if !exists {
			return deal.Submission{}, deal.Deal{}, deal.ErrSubmissionNotFound
		}
		return deal.Submission{}, deal.Deal{}, deal.ErrNoActionableSubmission
	}
	if latest.Status != deal.SubmissionPending {
		return deal.Submission{}, deal.Deal{}, deal.ErrNoActionableSubmission
	}

	d, err := applyChangePG(ctx, tx, change)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, err
	}
	reviewed := applyReview(latest, review)
	if _, err := tx.Exec(ctx, `UPDATE deal_submissions SET status=$1, rejection_reason=$2, reviewed_by=$3, reviewed_at=$4 WHERE id=$5`,
		reviewed.Status, reviewed.RejectionReason, reviewed.ReviewedBy, reviewed.ReviewedAt, reviewed.ID); err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("update submission: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return deal.Submission{}, deal.Deal{}, fmt.Errorf("commit review: %w", err)
	}
	return reviewed, d, nil
}

func (s *PGStore) GetSubmission(ctx context.Context, id string) (deal.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM deal_submissions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return deal.Submission{}, deal.ErrSubmissionNotFound
	}
	if err != nil {
		return deal.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) LatestSubmission(ctx context.Context, dealID string) (*deal.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM deal_submissions
WHERE deal_id=$1 ORDER BY seq DESC LIMIT 1`, dealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest submission: %w", err)
	}
	return &sub, nil
}

func (s *PGStore) ListSubmissions(ctx context.Context, dealID string) ([]deal.Submission, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+submissionColumns+` FROM deal_submissions WHERE deal_id=$1 ORDER BY seq`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	out := make([]deal.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateMessage(ctx context.Context, m deal.Message) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO deal_messages (id, deal_id, sender_id, body, created_at) VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.DealID, m.SenderID, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PGStore) ListMessages(ctx context.Context, dealID string, limit int) ([]deal.Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, deal_id, sender_id, body, created_at FROM (
  SELECT * FROM deal_messages WHERE deal_id=$1 ORDER BY seq DESC LIMIT $2
) recent ORDER BY seq`, dealID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	out := make([]deal.Message, 0)
	for rows.Next() {
		var m deal.Message
		if err := rows.Scan(&m.ID, &m.DealID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) PendingPayouts(ctx context.Context, requestedBefore time.Time) ([]deal.Deal, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+dealColumns+` FROM deals
WHERE stage=$1 AND payout_status=$2 AND payout_requested_at <= $3
ORDER BY payout_requested_at`, string(deal.StageApproved), deal.PayoutRequested, requestedBefore)
	if err != nil {
		return nil, fmt.Errorf("pending payouts: %w", err)
	}
	defer rows.Close()
	out := make([]deal.Deal, 0)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
