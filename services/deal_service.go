package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/metrics"
	"sponsorhub-backend/security"
	"sponsorhub-backend/storage/audit"
	"sponsorhub-backend/storage/auth"
	"sponsorhub-backend/storage/dealstore"
)

// ProfileLookup resolves the profile of a deal party.
type ProfileLookup interface {
	GetUser(ctx context.Context, id string) (auth.User, error)
}

// DealServiceOptions wires a DealService. Events, Audit and Metrics are optional.
type DealServiceOptions struct {
	Store           dealstore.Store
	Profiles        ProfileLookup
	Policy          deal.Policy
	Events          *EventHub
	Audit           *AuditDispatcher
	Metrics         *metrics.Metrics
	Clock           clock.Clock
	Logger          *zap.Logger
	MaxReworkCycles int
}

// DealService runs the deal workflow: validation, authorization, the stage
// machine and a single compare-and-swap write per operation.
type DealService struct {
	store     dealstore.Store
	profiles  ProfileLookup
	policy    deal.Policy
	events    *EventHub
	audit     *AuditDispatcher
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       *zap.Logger
	maxRework int
	newID     func() string
}

func NewDealService(opts DealServiceOptions) *DealService {
	s := &DealService{
		store:     opts.Store,
		profiles:  opts.Profiles,
		policy:    opts.Policy,
		events:    opts.Events,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		log:       opts.Logger,
		maxRework: opts.MaxReworkCycles,
		newID:     func() string { return uuid.NewString() },
	}
	if s.policy == nil {
		s.policy = deal.DefaultPolicy
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// AgreementStatus is the result of a confirmation.
type AgreementStatus struct {
	Deal      deal.Deal         `json:"deal"`
	Pair      deal.ProposalPair `json:"pair"`
	Confirmed []string          `json:"confirmed_by"`
	Advanced  bool              `json:"advanced"`
	Agreement deal.Agreement    `json:"agreement"`
}

// CreateDeal opens a deal from actor to counterpartyID. One party must be a creator
// and the other a business; the creator delivers the content.
func (s *DealService) CreateDeal(ctx context.Context, actor deal.Actor, counterpartyID, message string, value *int64) (deal.Deal, error) {
	const op = "create_deal"
	counterpartyID = strings.TrimSpace(counterpartyID)
	message = strings.TrimSpace(message)
	if actor.ID == "" {
		return deal.Deal{}, s.fail(op, deal.ErrUnauthenticated)
	}
	if counterpartyID == "" {
		return deal.Deal{}, s.fail(op, deal.ErrInvalidParties)
	}
	if counterpartyID == actor.ID {
		return deal.Deal{}, s.fail(op, deal.ErrSelfDeal)
	}
	if value != nil && *value <= 0 {
		return deal.Deal{}, s.fail(op, deal.ErrInvalidValue)
	}
	if len(message) > deal.MaxMessageLength {
		return deal.Deal{}, s.fail(op, deal.ErrMessageTooLong)
	}

	initiator, err := s.profile(ctx, actor.ID)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	counterparty, err := s.profile(ctx, counterpartyID)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	if initiator.Role == counterparty.Role {
		return deal.Deal{}, s.fail(op, deal.ErrInvalidParties)
	}
	creatorID := initiator.ID
	if counterparty.Role == deal.RoleCreator {
		creatorID = counterparty.ID
	}

	now := s.clock.Now()
	d := deal.Deal{
		ID:             s.newID(),
		InitiatorID:    initiator.ID,
		CounterpartyID: counterparty.ID,
		CreatorID:      creatorID,
		Stage:          deal.StageWaitingForResponse,
		Message:        message,
		DealValue:      value,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateDeal(ctx, d); err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	s.record(actor, op, "deal_created", deal.Deal{}, d, d.ID, "")
	return d, nil
}

func (s *DealService) profile(ctx context.Context, id string) (auth.User, error) {
	u, err := s.profiles.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return auth.User{}, deal.ErrMissingProfile
		}
		return auth.User{}, err
	}
	if !u.HasProfile() {
		return auth.User{}, deal.ErrMissingProfile
	}
	return u, nil
}

// GetDeal returns a deal visible to actor.
func (s *DealService) GetDeal(ctx context.Context, actor deal.Actor, dealID string) (deal.Deal, error) {
	d, err := s.load(ctx, actor, deal.ActionView, dealID)
	if err != nil {
		return deal.Deal{}, s.fail("get_deal", err)
	}
	return d, nil
}

// ListDeals lists the actor's deals. Privileged actors may list any party's deals.
func (s *DealService) ListDeals(ctx context.Context, actor deal.Actor, filter deal.DealFilter) ([]deal.Deal, error) {
	if actor.ID == "" {
		return nil, s.fail("list_deals", deal.ErrUnauthenticated)
	}
	if !actor.Privileged() {
		filter.PartyID = actor.ID
	}
	if filter.Stage != "" && !filter.Stage.Valid() {
		return nil, s.fail("list_deals", fmt.Errorf("%q: %w", filter.Stage, deal.ErrInvalidStage))
	}
	deals, err := s.store.ListDeals(ctx, filter)
	if err != nil {
		return nil, s.fail("list_deals", err)
	}
	return deals, nil
}

// Respond accepts a deal request; only the counterparty may respond.
func (s *DealService) Respond(ctx context.Context, actor deal.Actor, dealID string) (deal.Deal, error) {
	const op = "respond"
	d, err := s.loadActive(ctx, actor, deal.ActionRespond, dealID)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	next, err := deal.Transition(d.Stage, deal.TriggerRespond)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	updated, err := s.store.UpdateDeal(ctx, s.change(d, next))
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	s.transitioned(deal.TriggerRespond, updated)
	s.record(actor, op, "stage_changed", d, updated, updated.ID, "")
	return updated, nil
}

// ProposeTerms appends a proposal for the acting party. A repeated idempotency key
// returns the proposal created by the first call.
func (s *DealService) ProposeTerms(ctx context.Context, actor deal.Actor, dealID string, amount float64, deadline, idemKey string) (deal.TermProposal, error) {
	const op = "propose_terms"
	value, date, err := deal.ValidateTerms(amount, deadline)
	if err != nil {
		return deal.TermProposal{}, s.fail(op, err)
	}
	d, err := s.loadActive(ctx, actor, deal.ActionProposeTerms, dealID)
	if err != nil {
		return deal.TermProposal{}, s.fail(op, err)
	}
	key := idempotencyDigest(idemKey)
	if key != "" {
		if existing, ok, err := s.findProposal(ctx, dealID, actor.ID, key); err != nil {
			return deal.TermProposal{}, s.fail(op, err)
		} else if ok {
			return existing, nil
		}
	}
	if d.Stage != deal.StageNegotiatingTerms {
		return deal.TermProposal{}, s.fail(op, &deal.TransitionError{From: d.Stage, Trigger: deal.Trigger(op)})
	}
	p, err := s.store.CreateProposal(ctx, deal.TermProposal{
		ID:             s.newID(),
		DealID:         dealID,
		PartyID:        actor.ID,
		Amount:         value,
		Deadline:       date,
		IdempotencyKey: key,
		CreatedAt:      s.clock.Now(),
	})
	if err != nil {
		return deal.TermProposal{}, s.fail(op, err)
	}
	s.record(actor, op, "proposal", d, d, p.ID, fmt.Sprintf("%d by %s", p.Amount, p.Deadline))
	return p, nil
}

func (s *DealService) findProposal(ctx context.Context, dealID, partyID, key string) (deal.TermProposal, bool, error) {
	rows, err := s.store.ListProposals(ctx, dealID)
	if err != nil {
		return deal.TermProposal{}, false, err
	}
	for _, p := range rows {
		if p.PartyID == partyID && p.IdempotencyKey == key {
			return p, true, nil
		}
	}
	return deal.TermProposal{}, false, nil
}

// FetchLatestPair returns the latest proposal of each party from the actor's side.
// Privileged viewers see the initiator as "mine".
func (s *DealService) FetchLatestPair(ctx context.Context, actor deal.Actor, dealID string) (deal.ProposalPair, error) {
	d, err := s.load(ctx, actor, deal.ActionView, dealID)
	if err != nil {
		return deal.ProposalPair{}, s.fail("latest_terms", err)
	}
	self := actor.ID
	if !d.IsParty(self) {
		self = d.InitiatorID
	}
	pair, err := s.latestPair(ctx, d, self)
	if err != nil {
		return deal.ProposalPair{}, s.fail("latest_terms", err)
	}
	return pair, nil
}

func (s *DealService) latestPair(ctx context.Context, d deal.Deal, self string) (deal.ProposalPair, error) {
	mine, err := s.store.LatestProposal(ctx, d.ID, self)
	if err != nil {
		return deal.ProposalPair{}, err
	}
	other, err := s.store.LatestProposal(ctx, d.ID, d.Counterparty(self))
	if err != nil {
		return deal.ProposalPair{}, err
	}
	return deal.ProposalPair{Mine: mine, Other: other, Matched: deal.ProposalsMatch(mine, other)}, nil
}

// ConfirmAgreement records the actor's confirmation of the current matched pair.
// Once both parties have confirmed the same pair the deal moves to escrow with the
// agreed amount and date.
func (s *DealService) ConfirmAgreement(ctx context.Context, actor deal.Actor, dealID string) (AgreementStatus, error) {
	const op = "confirm_agreement"
	d, err := s.loadActive(ctx, actor, deal.ActionConfirmAgreement, dealID)
	if err != nil {
		return AgreementStatus{}, s.fail(op, err)
	}
	next, err := deal.Transition(d.Stage, deal.TriggerAgreementReached)
	if err != nil {
		return AgreementStatus{}, s.fail(op, err)
	}
	pair, err := s.latestPair(ctx, d, actor.ID)
	if err != nil {
		return AgreementStatus{}, s.fail(op, err)
	}
	if !pair.Matched {
		return AgreementStatus{}, s.fail(op, deal.ErrTermsNotMatched)
	}

	agreement := deal.Agreement{
		DealID:          d.ID,
		PartyID:         actor.ID,
		ProposalID:      pair.Mine.ID,
		OtherProposalID: pair.Other.ID,
		AgreedAt:        s.clock.Now(),
	}
	if err := s.store.SaveAgreement(ctx, agreement); err != nil {
		return AgreementStatus{}, s.fail(op, err)
	}
	s.record(actor, op, "agreement", d, d, pair.Mine.ID, "")

	agreements, err := s.store.ListAgreements(ctx, d.ID)
	if err != nil {
		return AgreementStatus{}, s.fail(op, err)
	}
	confirmed := make([]string, 0, 2)
	for _, a := range agreements {
		if d.IsParty(a.PartyID) && a.Covers(pair.Mine.ID, pair.Other.ID) {
			confirmed = append(confirmed, a.PartyID)
		}
	}
	status := AgreementStatus{Deal: d, Pair: pair, Confirmed: confirmed, Agreement: agreement}
	if len(confirmed) < 2 {
		return status, nil
	}

	amount := pair.Mine.Amount
	change := s.change(d, next)
	change.DealValue = &amount
	change.DeliveryDeadline = deal.DeadlineDate(pair.Mine.Deadline)
	updated, err := s.store.UpdateDeal(ctx, change)
	if errors.Is(err, deal.ErrStaleDeal) {
		// The other party's confirmation may have advanced the deal first.
		current, getErr := s.store.GetDeal(ctx, d.ID)
		if getErr == nil && current.Stage == next {
			status.Deal = current
			status.Advanced = true
			return status, nil
		}
	}
	if err != nil {
		return AgreementStatus{}, s.fail(op, err)
	}
	s.transitioned(deal.TriggerAgreementReached, updated)
	s.record(actor, op, "stage_changed", d, updated, updated.ID, "")
	status.Deal = updated
	status.Advanced = true
	return status, nil
}

// SubmitContent records a delivery link and moves the deal to review in one write.
func (s *DealService) SubmitContent(ctx context.Context, actor deal.Actor, dealID, rawURL, idemKey string) (deal.Submission, error) {
	const op = "submit_content"
	link, err := deal.ValidateContentURL(rawURL)
	if err != nil {
		return deal.Submission{}, s.fail(op, err)
	}
	d, err := s.loadActive(ctx, actor, deal.ActionSubmitContent, dealID)
	if err != nil {
		return deal.Submission{}, s.fail(op, err)
	}
	key := idempotencyDigest(idemKey)
	if key != "" {
		if existing, ok, err := s.findSubmission(ctx, dealID, actor.ID, key); err != nil {
			return deal.Submission{}, s.fail(op, err)
		} else if ok {
			return existing, nil
		}
	}
	next, err := deal.Transition(d.Stage, deal.TriggerSubmitContent)
	if err != nil {
		return deal.Submission{}, s.fail(op, err)
	}
	sub, updated, err := s.store.SubmitContent(ctx, deal.Submission{
		ID:             s.newID(),
		DealID:         d.ID,
		PartyID:        actor.ID,
		URL:            link,
		Status:         deal.SubmissionPending,
		IdempotencyKey: key,
		CreatedAt:      s.clock.Now(),
	}, s.change(d, next))
	if err != nil {
		return deal.Submission{}, s.fail(op, err)
	}
	s.transitioned(deal.TriggerSubmitContent, updated)
	s.record(actor, op, "submission", d, updated, sub.ID, sub.URL)
	return sub, nil
}

func (s *DealService) findSubmission(ctx context.Context, dealID, partyID, key string) (deal.Submission, bool, error) {
	rows, err := s.store.ListSubmissions(ctx, dealID)
	if err != nil {
		return deal.Submission{}, false, err
	}
	for _, sub := range rows {
		if sub.PartyID == partyID && sub.IdempotencyKey == key {
			return sub, true, nil
		}
	}
	return deal.Submission{}, false, nil
}

// ApproveSubmission accepts the latest pending submission and requests the payout.
func (s *DealService) ApproveSubmission(ctx context.Context, actor deal.Actor, dealID, submissionID string) (deal.Submission, deal.Deal, error) {
	const op = "approve_submission"
	d, err := s.loadActive(ctx, actor, deal.ActionApprove, dealID)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, s.fail(op, err)
	}
	next, err := deal.Transition(d.Stage, deal.TriggerApprove)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, s.fail(op, err)
	}
	now := s.clock.Now()
	change := s.change(d, next)
	change.ApprovedAt = &now
	change.PayoutRequestedAt = &now
	change.PayoutStatus = deal.PayoutRequested
	sub, updated, err := s.store.ReviewSubmission(ctx, deal.Review{
		SubmissionID: submissionID,
		DealID:       d.ID,
		Status:       deal.SubmissionApproved,
		ReviewedBy:   actor.ID,
		ReviewedAt:   now,
	}, change)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, s.fail(op, err)
	}
	s.transitioned(deal.TriggerApprove, updated)
	s.record(actor, op, "review", d, updated, sub.ID, deal.SubmissionApproved)
	return sub, updated, nil
}

// RejectSubmission sends the latest pending submission back for rework.
func (s *DealService) RejectSubmission(ctx context.Context, actor deal.Actor, dealID, submissionID, reason string) (deal.Submission, deal.Deal, error) {
	const op = "reject_submission"
	reason, err := deal.ValidateReason(reason)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, s.fail(op, err)
	}
	d, err := s.loadActive(ctx, actor, deal.ActionReject, dealID)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, s.fail(op, err)
	}
	next, err := deal.Transition(d.Stage, deal.TriggerReject)
	if err != nil {
		return deal.Submission{}, deal.Deal{}, s.fail(op, err)
	}
	if s.maxRework > 0 {
		rows, err := s.store.ListSubmissions(ctx, d.ID)
		if err != nil {
			return deal.Submission{}, deal.Deal{}, s.fail(op, err)
		}
		reworked := 0
		for _, sub := range rows {
			if sub.Status == deal.SubmissionRework {
				reworked++
			}
		}
		if reworked >= s.maxRework {
			return deal.Submission{}, deal.Deal{}, s.fail(op, deal.ErrReworkLimit)
		}
	}
	sub, updated, err := s.store.ReviewSubmission(ctx, deal.Review{
		SubmissionID: submissionID,
		DealID:       d.ID,
		Status:       deal.SubmissionRework,
		Reason:       reason,
		ReviewedBy:   actor.ID,
		ReviewedAt:   s.clock.Now(),
	}, s.change(d, next))
	if err != nil {
		return deal.Submission{}, deal.Deal{}, s.fail(op, err)
	}
	s.transitioned(deal.TriggerReject, updated)
	s.record(actor, op, "review", d, updated, sub.ID, reason)
	return sub, updated, nil
}

// LatestSubmission returns the deal's newest submission, or nil.
func (s *DealService) LatestSubmission(ctx context.Context, actor deal.Actor, dealID string) (*deal.Submission, error) {
	if _, err := s.load(ctx, actor, deal.ActionView, dealID); err != nil {
		return nil, s.fail("latest_submission", err)
	}
	sub, err := s.store.LatestSubmission(ctx, dealID)
	if err != nil {
		return nil, s.fail("latest_submission", err)
	}
	return sub, nil
}

// GetSubmission returns one submission of dealID.
func (s *DealService) GetSubmission(ctx context.Context, actor deal.Actor, dealID, submissionID string) (deal.Submission, error) {
	if _, err := s.load(ctx, actor, deal.ActionView, dealID); err != nil {
		return deal.Submission{}, s.fail("get_submission", err)
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return deal.Submission{}, s.fail("get_submission", err)
	}
	if sub.DealID != dealID {
		return deal.Submission{}, s.fail("get_submission", deal.ErrSubmissionNotFound)
	}
	return sub, nil
}

// ListSubmissions returns every delivery attempt, oldest first.
func (s *DealService) ListSubmissions(ctx context.Context, actor deal.Actor, dealID string) ([]deal.Submission, error) {
	if _, err := s.load(ctx, actor, deal.ActionView, dealID); err != nil {
		return nil, s.fail("list_submissions", err)
	}
	rows, err := s.store.ListSubmissions(ctx, dealID)
	if err != nil {
		return nil, s.fail("list_submissions", err)
	}
	return rows, nil
}

// Decline marks the deal rejected. Either party may decline until content is approved.
func (s *DealService) Decline(ctx context.Context, actor deal.Actor, dealID string) (deal.Deal, error) {
	const op = "decline"
	d, err := s.loadActive(ctx, actor, deal.ActionDecline, dealID)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	if d.Stage.Index() >= deal.StageApproved.Index() {
		return deal.Deal{}, s.fail(op, &deal.TransitionError{From: d.Stage, Trigger: deal.Trigger(op)})
	}
	change := s.change(d, d.Stage)
	change.MarkRejected = true
	change.RejectedBy = actor.ID
	updated, err := s.store.UpdateDeal(ctx, change)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	s.record(actor, op, "declined", d, updated, updated.ID, "")
	return updated, nil
}

// SendMessage posts a chat message on the deal.
func (s *DealService) SendMessage(ctx context.Context, actor deal.Actor, dealID, body string) (deal.Message, error) {
	const op = "send_message"
	body, err := deal.ValidateMessage(body)
	if err != nil {
		return deal.Message{}, s.fail(op, err)
	}
	d, err := s.load(ctx, actor, deal.ActionSendMessage, dealID)
	if err != nil {
		return deal.Message{}, s.fail(op, err)
	}
	m := deal.Message{
		ID:        s.newID(),
		DealID:    d.ID,
		SenderID:  actor.ID,
		Body:      body,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return deal.Message{}, s.fail(op, err)
	}
	if s.events != nil {
		s.events.Publish(deal.Event{Type: "message", DealID: d.ID, Actor: actor.ID, Stage: d.Stage, EntityID: m.ID, Message: m.Body, CreatedAt: m.CreatedAt})
	}
	return m, nil
}

// ListMessages returns the newest messages of the deal, oldest first.
func (s *DealService) ListMessages(ctx context.Context, actor deal.Actor, dealID string, limit int) ([]deal.Message, error) {
	if _, err := s.load(ctx, actor, deal.ActionView, dealID); err != nil {
		return nil, s.fail("list_messages", err)
	}
	rows, err := s.store.ListMessages(ctx, dealID, limit)
	if err != nil {
		return nil, s.fail("list_messages", err)
	}
	return rows, nil
}

// ReleasePayment settles an approved deal. Only admins and the payout job may call it.
func (s *DealService) ReleasePayment(ctx context.Context, actor deal.Actor, dealID string) (deal.Deal, error) {
	const op = "release_payment"
	d, err := s.loadActive(ctx, actor, deal.ActionReleasePayment, dealID)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	next, err := deal.Transition(d.Stage, deal.TriggerReleasePayment)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	now := s.clock.Now()
	change := s.change(d, next)
	change.PayoutStatus = deal.PayoutReleased
	change.PaymentReleasedAt = &now
	updated, err := s.store.UpdateDeal(ctx, change)
	if err != nil {
		return deal.Deal{}, s.fail(op, err)
	}
	s.transitioned(deal.TriggerReleasePayment, updated)
	s.record(actor, op, "stage_changed", d, updated, updated.ID, "")
	return updated, nil
}

// Events returns buffered events for a deal the actor can view.
func (s *DealService) Events(ctx context.Context, actor deal.Actor, dealID string) ([]deal.Event, error) {
	if _, err := s.load(ctx, actor, deal.ActionView, dealID); err != nil {
		return nil, s.fail("events", err)
	}
	if s.events == nil {
		return []deal.Event{}, nil
	}
	return s.events.Recent(dealID), nil
}

// Authorize checks action against a freshly loaded deal.
func (s *DealService) Authorize(ctx context.Context, actor deal.Actor, action deal.Action, dealID string) (deal.Deal, error) {
	return s.load(ctx, actor, action, dealID)
}

func (s *DealService) load(ctx context.Context, actor deal.Actor, action deal.Action, dealID string) (deal.Deal, error) {
	if actor.ID == "" {
		return deal.Deal{}, deal.ErrUnauthenticated
	}
	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return deal.Deal{}, err
	}
	if err := s.policy.Authorize(action, actor, d); err != nil {
		return deal.Deal{}, err
	}
	return d, nil
}

func (s *DealService) loadActive(ctx context.Context, actor deal.Actor, action deal.Action, dealID string) (deal.Deal, error) {
	d, err := s.load(ctx, actor, action, dealID)
	if err != nil {
		return deal.Deal{}, err
	}
	if d.Rejected {
		return deal.Deal{}, deal.ErrDealRejected
	}
	return d, nil
}

func (s *DealService) change(d deal.Deal, next deal.Stage) deal.StageChange {
	return deal.StageChange{
		DealID:          d.ID,
		ExpectedVersion: d.Version,
		From:            d.Stage,
		To:              next,
		At:              s.clock.Now(),
	}
}

func (s *DealService) fail(op string, err error) error {
	kind := deal.KindOf(err)
	if s.metrics != nil {
		s.metrics.OperationErrors.WithLabelValues(op, kind.String()).Inc()
	}
	if kind == deal.KindInternal {
		s.log.Error("deal operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (s *DealService) transitioned(t deal.Trigger, d deal.Deal) {
	if s.metrics != nil {
		s.metrics.DealTransitions.WithLabelValues(string(t), string(d.Stage)).Inc()
	}
}

// record publishes the change event and queues the audit record.
func (s *DealService) record(actor deal.Actor, action, eventType string, before, after deal.Deal, entityID, detail string) {
	now := s.clock.Now()
	if s.events != nil {
		s.events.Publish(deal.Event{
			Type:      eventType,
			DealID:    after.ID,
			Actor:     actor.ID,
			Stage:     after.Stage,
			EntityID:  entityID,
			Message:   detail,
			CreatedAt: now,
		})
	}
	if s.audit != nil {
		s.audit.Dispatch(audit.Record{
			DealID:    after.ID,
			ActorID:   actor.ID,
			ActorRole: string(actor.Role),
			Action:    action,
			FromStage: string(before.Stage),
			ToStage:   string(after.Stage),
			EntityID:  entityID,
			Detail:    detail,
			Version:   after.Version,
			CreatedAt: now,
		})
	}
}

func idempotencyDigest(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return security.Digest(key)
}
