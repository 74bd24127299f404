package dealstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sponsorhub-backend/core/deal"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "deals.db"), 2)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(s.Close)
		fn(t, s)
	})
	if dsn := os.Getenv("SPONSORHUB_TEST_PG_DSN"); dsn != "" {
		t.Run("postgres", func(t *testing.T) {
			s, err := NewPGStore(context.Background(), dsn)
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			t.Cleanup(func() {
				_, _ = s.Pool().Exec(context.Background(), `TRUNCATE deal_messages, deal_submissions, deal_agreements, deal_proposals, deals`)
				s.Close()
			})
			fn(t, s)
		})
	}
}

func seedDeal(t *testing.T, s Store, id string, stage deal.Stage) deal.Deal {
	t.Helper()
	d := deal.Deal{
		ID:             id,
		InitiatorID:    "biz",
		CounterpartyID: "creator",
		CreatorID:      "creator",
		Stage:          stage,
		Message:        "sponsor my launch",
		Version:        1,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	if err := s.CreateDeal(context.Background(), d); err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return d
}

func TestStoreDealCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDeal(t, s, "d1", deal.StageNegotiatingTerms)

		value := int64(500)
		updated, err := s.UpdateDeal(ctx, deal.StageChange{
			DealID: "d1", ExpectedVersion: 1, From: deal.StageNegotiatingTerms, To: deal.StagePlatformEscrow,
			At: t0.Add(time.Minute), DealValue: &value, DeliveryDeadline: "2025-06-01",
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Stage != deal.StagePlatformEscrow || updated.Version != 2 {
			t.Fatalf("unexpected deal after update: %+v", updated)
		}
		if updated.DealValue == nil || *updated.DealValue != 500 || updated.DeliveryDeadline != "2025-06-01" {
			t.Fatalf("payload not applied: %+v", updated)
		}

		// Same expected version again is stale.
		_, err = s.UpdateDeal(ctx, deal.StageChange{
			DealID: "d1", ExpectedVersion: 1, From: deal.StageNegotiatingTerms, To: deal.StagePlatformEscrow, At: t0,
		})
		if !errors.Is(err, deal.ErrStaleDeal) {
			t.Fatalf("expected ErrStaleDeal, got %v", err)
		}
		got, err := s.GetDeal(ctx, "d1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Version != 2 || got.Stage != deal.StagePlatformEscrow {
			t.Fatalf("stale write changed the deal: %+v", got)
		}

		_, err = s.UpdateDeal(ctx, deal.StageChange{DealID: "missing", ExpectedVersion: 1, From: deal.StageNegotiatingTerms, To: deal.StagePlatformEscrow, At: t0})
		if !errors.Is(err, deal.ErrDealNotFound) {
			t.Fatalf("expected ErrDealNotFound, got %v", err)
		}
	})
}

func TestStoreLatestProposalFollowsCreationOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDeal(t, s, "d1", deal.StageNegotiatingTerms)

		insert := func(id, party string, amount int64) deal.TermProposal {
			p, err := s.CreateProposal(ctx, deal.TermProposal{ID: id, DealID: "d1", PartyID: party, Amount: amount, Deadline: "2025-06-01", CreatedAt: t0})
			if err != nil {
				t.Fatalf("create proposal %s: %v", id, err)
			}
			return p
		}
		insert("p1", "biz", 900)
		insert("p2", "creator", 500)
		insert("p3", "biz", 100) // smaller amount but newer
		insert("p4", "creator", 700)

		latestBiz, err := s.LatestProposal(ctx, "d1", "biz")
		if err != nil || latestBiz == nil {
			t.Fatalf("latest biz: %v %v", latestBiz, err)
		}
		if latestBiz.ID != "p3" {
			t.Fatalf("expected p3, got %s", latestBiz.ID)
		}
		latestCreator, _ := s.LatestProposal(ctx, "d1", "creator")
		if latestCreator == nil || latestCreator.ID != "p4" {
			t.Fatalf("expected p4, got %+v", latestCreator)
		}
		none, err := s.LatestProposal(ctx, "d1", "nobody")
		if err != nil || none != nil {
			t.Fatalf("expected nil proposal, got %+v %v", none, err)
		}
		all, _ := s.ListProposals(ctx, "d1")
		if len(all) != 4 || all[0].ID != "p1" || all[3].ID != "p4" {
			t.Fatalf("unexpected proposal history %+v", all)
		}
	})
}

func TestStoreProposalIdempotencyKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDeal(t, s, "d1", deal.StageNegotiatingTerms)
		first, err := s.CreateProposal(ctx, deal.TermProposal{ID: "p1", DealID: "d1", PartyID: "biz", Amount: 500, Deadline: "2025-06-01", IdempotencyKey: "k1", CreatedAt: t0})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		again, err := s.CreateProposal(ctx, deal.TermProposal{ID: "p2", DealID: "d1", PartyID: "biz", Amount: 600, Deadline: "2025-06-01", IdempotencyKey: "k1", CreatedAt: t0})
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if again.ID != first.ID || again.Amount != 500 {
			t.Fatalf("retry should return the original row, got %+v", again)
		}
		all, _ := s.ListProposals(ctx, "d1")
		if len(all) != 1 {
			t.Fatalf("expected one row, got %d", len(all))
		}
	})
}

func TestStoreAgreementUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDeal(t, s, "d1", deal.StageNegotiatingTerms)
		if err := s.SaveAgreement(ctx, deal.Agreement{DealID: "d1", PartyID: "biz", ProposalID: "p1", OtherProposalID: "p2", AgreedAt: t0}); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.SaveAgreement(ctx, deal.Agreement{DealID: "d1", PartyID: "biz", ProposalID: "p3", OtherProposalID: "p2", AgreedAt: t0}); err != nil {
			t.Fatalf("resave: %v", err)
		}
		list, err := s.ListAgreements(ctx, "d1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].ProposalID != "p3" {
			t.Fatalf("expected a single updated agreement, got %+v", list)
		}
	})
}

func submitChange(d deal.Deal, at time.Time) deal.StageChange {
	return deal.StageChange{DealID: d.ID, ExpectedVersion: d.Version, From: deal.StagePlatformEscrow, To: deal.StageContentSubmitted, At: at}
}

func TestStoreSubmissionReviewCycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := seedDeal(t, s, "d1", deal.StagePlatformEscrow)

		sub1, d, err := s.SubmitContent(ctx, deal.Submission{ID: "s1", DealID: "d1", PartyID: "creator", URL: "https://x.com/a", Status: deal.SubmissionPending, CreatedAt: t0}, submitChange(d, t0))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if d.Stage != deal.StageContentSubmitted || sub1.Status != deal.SubmissionPending {
			t.Fatalf("unexpected state after submit: %+v %+v", d, sub1)
		}

		reviewed, d, err := s.ReviewSubmission(ctx,
			deal.Review{SubmissionID: "s1", DealID: "d1", Status: deal.SubmissionRework, Reason: "needs captions", ReviewedBy: "biz", ReviewedAt: t0},
			deal.StageChange{DealID: "d1", ExpectedVersion: d.Version, From: deal.StageContentSubmitted, To: deal.StagePlatformEscrow, At: t0})
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if reviewed.Status != deal.SubmissionRework || reviewed.RejectionReason != "needs captions" || d.Stage != deal.StagePlatformEscrow {
			t.Fatalf("unexpected state after reject: %+v %+v", reviewed, d)
		}

		// The reworked row is no longer actionable.
		_, _, err = s.ReviewSubmission(ctx,
			deal.Review{SubmissionID: "s1", DealID: "d1", Status: deal.SubmissionApproved, ReviewedBy: "biz", ReviewedAt: t0},
			deal.StageChange{DealID: "d1", ExpectedVersion: d.Version, From: deal.StageContentSubmitted, To: deal.StageApproved, At: t0})
		if !errors.Is(err, deal.ErrNoActionableSubmission) {
			t.Fatalf("expected ErrNoActionableSubmission, got %v", err)
		}

		_, d, err = s.SubmitContent(ctx, deal.Submission{ID: "s2", DealID: "d1", PartyID: "creator", URL: "https://x.com/b", Status: deal.SubmissionPending, CreatedAt: t0.Add(time.Second)}, submitChange(d, t0))
		if err != nil {
			t.Fatalf("resubmit: %v", err)
		}

		// Superseded submission cannot be approved.
		_, _, err = s.ReviewSubmission(ctx,
			deal.Review{SubmissionID: "s1", DealID: "d1", Status: deal.SubmissionApproved, ReviewedBy: "biz", ReviewedAt: t0},
			deal.StageChange{DealID: "d1", ExpectedVersion: d.Version, From: deal.StageContentSubmitted, To: deal.StageApproved, At: t0})
		if !errors.Is(err, deal.ErrNoActionableSubmission) {
			t.Fatalf("expected ErrNoActionableSubmission for superseded row, got %v", err)
		}

		now := t0.Add(time.Hour)
		approved, d, err := s.ReviewSubmission(ctx,
			deal.Review{SubmissionID: "s2", DealID: "d1", Status: deal.SubmissionApproved, ReviewedBy: "biz", ReviewedAt: now},
			deal.StageChange{DealID: "d1", ExpectedVersion: d.Version, From: deal.StageContentSubmitted, To: deal.StageApproved, At: now,
				ApprovedAt: &now, PayoutRequestedAt: &now, PayoutStatus: deal.PayoutRequested})
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if approved.Status != deal.SubmissionApproved || d.Stage != deal.StageApproved || d.PayoutStatus != deal.PayoutRequested {
			t.Fatalf("unexpected state after approve: %+v %+v", approved, d)
		}
		if d.ApprovedAt == nil || !d.ApprovedAt.Equal(now) {
			t.Fatalf("approved_at not stamped: %+v", d.ApprovedAt)
		}

		history, err := s.ListSubmissions(ctx, "d1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(history) != 2 || history[0].Status != deal.SubmissionRework || history[0].RejectionReason != "needs captions" {
			t.Fatalf("history changed: %+v", history)
		}
		latest, _ := s.LatestSubmission(ctx, "d1")
		if latest == nil || latest.ID != "s2" {
			t.Fatalf("expected s2 latest, got %+v", latest)
		}

		pending, err := s.PendingPayouts(ctx, now)
		if err != nil {
			t.Fatalf("pending payouts: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != "d1" {
			t.Fatalf("expected d1 pending payout, got %+v", pending)
		}
		early, _ := s.PendingPayouts(ctx, now.Add(-time.Minute))
		if len(early) != 0 {
			t.Fatalf("payout should not be due before it was requested")
		}
	})
}

func TestStoreSubmitIsAtomicWithStageChange(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := seedDeal(t, s, "d1", deal.StagePlatformEscrow)
		stale := submitChange(d, t0)
		stale.ExpectedVersion = 99

		_, _, err := s.SubmitContent(ctx, deal.Submission{ID: "s1", DealID: "d1", PartyID: "creator", URL: "https://x.com/a", Status: deal.SubmissionPending, CreatedAt: t0}, stale)
		if !errors.Is(err, deal.ErrStaleDeal) {
			t.Fatalf("expected ErrStaleDeal, got %v", err)
		}
		if subs, _ := s.ListSubmissions(ctx, "d1"); len(subs) != 0 {
			t.Fatalf("submission row must not survive a failed stage change, got %d", len(subs))
		}
	})
}

func TestStoreSubmitIdempotencyKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := seedDeal(t, s, "d1", deal.StagePlatformEscrow)
		sub := deal.Submission{ID: "s1", DealID: "d1", PartyID: "creator", URL: "https://x.com/a", Status: deal.SubmissionPending, IdempotencyKey: "retry-1", CreatedAt: t0}
		first, d2, err := s.SubmitContent(ctx, sub, submitChange(d, t0))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		sub.ID = "s2"
		again, d3, err := s.SubmitContent(ctx, sub, submitChange(d, t0))
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if again.ID != first.ID || d3.Version != d2.Version {
			t.Fatalf("retry should be a no-op, got %+v %+v", again, d3)
		}
	})
}

func TestStoreMessagesKeepNewestWindow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDeal(t, s, "d1", deal.StageNegotiatingTerms)
		for i, body := range []string{"one", "two", "three"} {
			m := deal.Message{ID: body, DealID: "d1", SenderID: "biz", Body: body, CreatedAt: t0.Add(time.Duration(i) * time.Second)}
			if err := s.CreateMessage(ctx, m); err != nil {
				t.Fatalf("create message: %v", err)
			}
		}
		msgs, err := s.ListMessages(ctx, "d1", 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 2 || msgs[0].Body != "two" || msgs[1].Body != "three" {
			t.Fatalf("unexpected window %+v", msgs)
		}
		if err := s.CreateMessage(ctx, deal.Message{ID: "x", DealID: "missing", SenderID: "biz", Body: "hi", CreatedAt: t0}); err == nil {
			t.Fatalf("expected an error for an unknown deal")
		}
	})
}

func TestStoreListDealsByParty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedDeal(t, s, "d1", deal.StageNegotiatingTerms)
		other := deal.Deal{ID: "d2", InitiatorID: "biz2", CounterpartyID: "creator2", CreatorID: "creator2",
			Stage: deal.StageWaitingForResponse, Version: 1, CreatedAt: t0, UpdatedAt: t0}
		if err := s.CreateDeal(ctx, other); err != nil {
			t.Fatalf("create: %v", err)
		}
		mine, err := s.ListDeals(ctx, deal.DealFilter{PartyID: "creator"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(mine) != 1 || mine[0].ID != "d1" {
			t.Fatalf("expected only d1, got %+v", mine)
		}
		waiting, _ := s.ListDeals(ctx, deal.DealFilter{Stage: deal.StageWaitingForResponse})
		if len(waiting) != 1 || waiting[0].ID != "d2" {
			t.Fatalf("expected only d2, got %+v", waiting)
		}
	})
}
