package dealstore

import (
	"context"
	"time"

	"sponsorhub-backend/core/deal"
)

// Store persists deals and their append-only proposal, submission and message logs.
// Writes that pair a row insert with a stage change commit together or not at all.
type Store interface {
	CreateDeal(ctx context.Context, d deal.Deal) error
	GetDeal(ctx context.Context, id string) (deal.Deal, error)
	ListDeals(ctx context.Context, filter deal.DealFilter) ([]deal.Deal, error)
	// UpdateDeal applies change only if the deal is still at the expected version and stage.
	UpdateDeal(ctx context.Context, change deal.StageChange) (deal.Deal, error)

	// CreateProposal appends a proposal. A repeated idempotency key from the same party
	// on the same deal returns the original row.
	CreateProposal(ctx context.Context, p deal.TermProposal) (deal.TermProposal, error)
	LatestProposal(ctx context.Context, dealID, partyID string) (*deal.TermProposal, error)
	ListProposals(ctx context.Context, dealID string) ([]deal.TermProposal, error)

	SaveAgreement(ctx context.Context, a deal.Agreement) error
	ListAgreements(ctx context.Context, dealID string) ([]deal.Agreement, error)

	// SubmitContent inserts a pending submission and applies change in one transaction.
	SubmitContent(ctx context.Context, sub deal.Submission, change deal.StageChange) (deal.Submission, deal.Deal, error)
	// ReviewSubmission requires the submission to be the deal's latest and still pending.
	ReviewSubmission(ctx context.Context, review deal.Review, change deal.StageChange) (deal.Submission, deal.Deal, error)
	GetSubmission(ctx context.Context, id string) (deal.Submission, error)
	LatestSubmission(ctx context.Context, dealID string) (*deal.Submission, error)
	ListSubmissions(ctx context.Context, dealID string) ([]deal.Submission, error)

	CreateMessage(ctx context.Context, m deal.Message) error
	ListMessages(ctx context.Context, dealID string, limit int) ([]deal.Message, error)

	// PendingPayouts lists approved deals whose payout was requested before the cutoff.
	PendingPayouts(ctx context.Context, requestedBefore time.Time) ([]deal.Deal, error)

	Close()
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
