package dealstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"sponsorhub-backend/core/deal"
)

// MemoryStore holds deals in memory. The single RWMutex keeps paired writes atomic
// across the maps.
type MemoryStore struct {
	mu          sync.RWMutex
	seq         int64
	deals       map[string]deal.Deal
	proposals   map[string][]deal.TermProposal // by deal, in creation order
	agreements  map[string]map[string]deal.Agreement
	submissions map[string][]deal.Submission // by deal, in creation order
	messages    map[string][]deal.Message
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:       make(map[string]deal.Deal),
		proposals:   make(map[string][]deal.TermProposal),
		agreements:  make(map[string]map[string]deal.Agreement),
		submissions: make(map[string][]deal.Submission),
		messages:    make(map[string][]deal.Message),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) CreateDeal(ctx context.Context, d deal.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deals[d.ID]; exists {
		return deal.Err("deal " + d.ID + " already exists")
	}
	if d.Version == 0 {
		d.Version = 1
	}
	s.deals[d.ID] = d
	return nil
}

func (s *MemoryStore) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrDealNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListDeals(ctx context.Context, filter deal.DealFilter) ([]deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deal.Deal, 0)
	for _, d := range s.deals {
		if filter.PartyID != "" && !d.IsParty(filter.PartyID) {
			continue
		}
		if filter.Stage != "" && d.Stage != filter.Stage {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateDeal(ctx context.Context, change deal.StageChange) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(change)
}

// applyLocked performs the compare-and-swap. Caller holds s.mu.
func (s *MemoryStore) applyLocked(change deal.StageChange) (deal.Deal, error) {
	d, ok := s.deals[change.DealID]
	if !ok {
		return deal.Deal{}, deal.ErrDealNotFound
	}
	if d.Version != change.ExpectedVersion || d.Stage != change.From {
		return deal.Deal{}, deal.ErrStaleDeal
	}
	d = change.Apply(d)
	s.deals[d.ID] = d
	return d, nil
}

func (s *MemoryStore) CreateProposal(ctx context.Context, p deal.TermProposal) (deal.TermProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[p.DealID]; !ok {
		return deal.TermProposal{}, deal.ErrDealNotFound
	}
	if p.IdempotencyKey != "" {
		for _, existing := range s.proposals[p.DealID] {
			if existing.PartyID == p.PartyID && existing.IdempotencyKey == p.IdempotencyKey {
				return existing, nil
			}
		}
	}
	p.Seq = s.nextSeq()
	s.proposals[p.DealID] = append(s.proposals[p.DealID], p)
	return p, nil
}

func (s *MemoryStore) LatestProposal(ctx context.Context, dealID, partyID string) (*deal.TermProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.proposals[dealID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].PartyID == partyID {
			p := rows[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListProposals(ctx context.Context, dealID string) ([]deal.TermProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]deal.TermProposal{}, s.proposals[dealID]...), nil
}

func (s *MemoryStore) SaveAgreement(ctx context.Context, a deal.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[a.DealID]; !ok {
		return deal.ErrDealNotFound
	}
	byParty, ok := s.agreements[a.DealID]
	if !ok {
		byParty = make(map[string]deal.Agreement)
		s.agreements[a.DealID] = byParty
	}
	byParty[a.PartyID] = a
	return nil
}

func (s *MemoryStore) ListAgreements(ctx context.Context, dealID string) ([]deal.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deal.Agreement, 0, 2)
	for _, a := range s.agreements[dealID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	return out, nil
}

func (s *MemoryStore) SubmitContent(ctx context.Context, sub deal.Submission, change deal.StageChange) (deal.Submission, deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.IdempotencyKey != "" {
		for _, existing := range s.submissions[sub.DealID] {
			if existing.PartyID == sub.PartyID && existing.IdempotencyKey == sub.IdempotencyKey {
				return existing, s.deals[sub.DealID], nil
			}
		}
	}
	d, err := s.applyLocked(change)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, err
	}
	sub.Seq = s.nextSeq()
	s.submissions[sub.DealID] = append(s.submissions[sub.DealID], sub)
	return sub, d, nil
}

func (s *MemoryStore) ReviewSubmission(ctx context.Context, review deal.Review, change deal.StageChange) (deal.Submission, deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.submissions[review.DealID]
	idx := -1
	for i := range rows {
		if rows[i].ID == review.SubmissionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return deal.Submission{}, deal.Deal{}, deal.ErrSubmissionNotFound
	}
	if idx != len(rows)-1 || rows[idx].Status != deal.SubmissionPending {
		return deal.Submission{}, deal.Deal{}, deal.ErrNoActionableSubmission
	}
	d, err := s.applyLocked(change)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, err
	}
	sub := applyReview(rows[idx], review)
	rows[idx] = sub
	return sub, d, nil
}

func applyReview(sub deal.Submission, review deal.Review) deal.Submission {
	at := review.ReviewedAt
	sub.Status = review.Status
	sub.ReviewedBy = review.ReviewedBy
	sub.ReviewedAt = &at
	if review.Status == deal.SubmissionRework {
		sub.RejectionReason = review.Reason
	} else {
		sub.RejectionReason = ""
	}
	return sub
}

func (s *MemoryStore) GetSubmission(ctx context.Context, id string) (deal.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rows := range s.submissions {
		for _, sub := range rows {
			if sub.ID == id {
				return sub, nil
			}
		}
	}
	return deal.Submission{}, deal.ErrSubmissionNotFound
}

func (s *MemoryStore) LatestSubmission(ctx context.Context, dealID string) (*deal.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.submissions[dealID]
	if len(rows) == 0 {
		return nil, nil
	}
	sub := rows[len(rows)-1]
	return &sub, nil
}

func (s *MemoryStore) ListSubmissions(ctx context.Context, dealID string) ([]deal.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]deal.Submission{}, s.submissions[dealID]...), nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, m deal.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[m.DealID]; !ok {
		return deal.ErrDealNotFound
	}
	s.messages[m.DealID] = append(s.messages[m.DealID], m)
	return nil
}

// ListMessages returns the newest `limit` messages, oldest first.
func (s *MemoryStore) ListMessages(ctx context.Context, dealID string, limit int) ([]deal.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.messages[dealID]
	if limit = clampLimit(limit); len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]deal.Message{}, rows...), nil
}

func (s *MemoryStore) PendingPayouts(ctx context.Context, requestedBefore time.Time) ([]deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deal.Deal, 0)
	for _, d := range s.deals {
		if d.Stage != deal.StageApproved || d.PayoutStatus != deal.PayoutRequested || d.PayoutRequestedAt == nil {
			continue
		}
		if d.PayoutRequestedAt.After(requestedBefore) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayoutRequestedAt.Before(*out[j].PayoutRequestedAt) })
	return out, nil
}
