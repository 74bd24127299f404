package deal

import "time"

// Role identifies what kind of account an actor is.
type Role string

const (
	RoleCreator  Role = "creator"
	RoleBusiness Role = "business"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Valid reports whether r is a role a profile may hold.
func (r Role) Valid() bool {
	return r == RoleCreator || r == RoleBusiness
}

// Actor is the authenticated caller of a workflow operation.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

// Privileged reports whether the actor acts on behalf of the platform.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// SystemActor is used by background jobs.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Payout statuses.
const (
	PayoutRequested = "requested"
	PayoutReleased  = "released"
)

// Deal is one sponsorship negotiation between two parties.
type Deal struct {
	ID                string     `json:"id"`
	InitiatorID       string     `json:"initiator_id"`
	CounterpartyID    string     `json:"counterparty_id"`
	CreatorID         string     `json:"creator_id"` // delivering party
	Stage             Stage      `json:"stage"`
	Message           string     `json:"message"`
	DealValue         *int64     `json:"deal_value,omitempty"`
	DeliveryDeadline  string     `json:"delivery_deadline,omitempty"`
	Rejected          bool       `json:"rejected"`
	RejectedBy        string     `json:"rejected_by,omitempty"`
	RejectedAt        *time.Time `json:"rejected_at,omitempty"`
	PayoutStatus      string     `json:"payout_status,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	PayoutRequestedAt *time.Time `json:"payout_requested_at,omitempty"`
	PaymentReleasedAt *time.Time `json:"payment_released_at,omitempty"`
}

// IsParty reports whether userID is one of the two deal parties.
func (d Deal) IsParty(userID string) bool {
	return userID != "" && (userID == d.InitiatorID || userID == d.CounterpartyID)
}

// Counterparty returns the other party relative to userID.
func (d Deal) Counterparty(userID string) string {
	if userID == d.InitiatorID {
		return d.CounterpartyID
	}
	return d.InitiatorID
}

// ReviewerID is the party that approves or rejects submitted content.
func (d Deal) ReviewerID() string {
	return d.Counterparty(d.CreatorID)
}

// Active reports whether the deal can still progress.
func (d Deal) Active() bool {
	return !d.Rejected && d.Stage != StagePaymentReleased
}

// DealFilter narrows deal listings.
type DealFilter struct {
	PartyID string
	Stage   Stage
	Limit   int
}

// TermProposal is one party's price and deadline offer. Rows are append-only.
type TermProposal struct {
	ID             string    `json:"id"`
	DealID         string    `json:"deal_id"`
	PartyID        string    `json:"party_id"`
	Amount         int64     `json:"amount"`
	Deadline       string    `json:"deadline"`
	Seq            int64     `json:"seq"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProposalPair is the latest proposal of each party from the caller's point of view.
type ProposalPair struct {
	Mine    *TermProposal `json:"mine"`
	Other   *TermProposal `json:"other"`
	Matched bool          `json:"matched"`
}

// Agreement is a party's explicit confirmation of a specific matched pair.
type Agreement struct {
	DealID          string    `json:"deal_id"`
	PartyID         string    `json:"party_id"`
	ProposalID      string    `json:"proposal_id"`
	OtherProposalID string    `json:"other_proposal_id"`
	AgreedAt        time.Time `json:"agreed_at"`
}

// Covers reports whether the agreement was given for the pair (a, b) in either order.
func (a Agreement) Covers(aID, bID string) bool {
	return (a.ProposalID == aID && a.OtherProposalID == bID) ||
		(a.ProposalID == bID && a.OtherProposalID == aID)
}

// Submission statuses.
const (
	SubmissionPending  = "pending"
	SubmissionRework   = "rework"
	SubmissionApproved = "approved"
)

// Submission is one content delivery attempt.
type Submission struct {
	ID              string     `json:"id"`
	DealID          string     `json:"deal_id"`
	PartyID         string     `json:"party_id"`
	URL             string     `json:"url"`
	Status          string     `json:"status"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Seq             int64      `json:"seq"`
	IdempotencyKey  string     `json:"-"`
	ReviewedBy      string     `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Review is the outcome applied to a pending submission.
type Review struct {
	SubmissionID string
	DealID       string
	Status       string
	Reason       string
	ReviewedBy   string
	ReviewedAt   time.Time
}

// Message is a chat message exchanged on a deal.
type Message struct {
	ID        string    `json:"id"`
	DealID    string    `json:"deal_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// StageChange is a compare-and-swap write against a deal. The store applies it only
// when the deal is still at ExpectedVersion and From.
type StageChange struct {
	DealID            string
	ExpectedVersion   int64
	From              Stage
	To                Stage
	At                time.Time
	DealValue         *int64
	DeliveryDeadline  string
	MarkRejected      bool
	RejectedBy        string
	PayoutStatus      string
	ApprovedAt        *time.Time
	PayoutRequestedAt *time.Time
	PaymentReleasedAt *time.Time
}

// Apply returns d with the change applied. Version is bumped.
func (c StageChange) Apply(d Deal) Deal {
	d.Stage = c.To
	d.Version++
	d.UpdatedAt = c.At
	if c.DealValue != nil {
		v := *c.DealValue
		d.DealValue = &v
	}
	if c.DeliveryDeadline != "" {
		d.DeliveryDeadline = c.DeliveryDeadline
	}
	if c.MarkRejected {
		at := c.At
		d.Rejected = true
		d.RejectedBy = c.RejectedBy
		d.RejectedAt = &at
	}
	if c.PayoutStatus != "" {
		d.PayoutStatus = c.PayoutStatus
	}
	if c.ApprovedAt != nil {
		d.ApprovedAt = c.ApprovedAt
	}
	if c.PayoutRequestedAt != nil {
		d.PayoutRequestedAt = c.PayoutRequestedAt
	}
	if c.PaymentReleasedAt != nil {
		d.PaymentReleasedAt = c.PaymentReleasedAt
	}
	return d
}

// Event is a change notification for one deal.
type Event struct {
	Seq       int64     `json:"seq"`  // assigned by the hub, increasing
	Type      string    `json:"type"` // deal_created | stage_changed | proposal | agreement | submission | review | message | declined
	DealID    string    `json:"deal_id"`
	Actor     string    `json:"actor"`
	Stage     Stage     `json:"stage,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
