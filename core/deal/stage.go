package deal

// Stage is the deal's position in the fixed forward sequence.
type Stage string

const (
	StageWaitingForResponse Stage = "Waiting for Response"
	StageNegotiatingTerms   Stage = "Negotiating Terms"
	StagePlatformEscrow     Stage = "Platform Escrow"
	StageContentSubmitted   Stage = "Content Submitted"
	StageApproved           Stage = "Approved"
	StagePaymentReleased    Stage = "Payment Released"
)

// Stages lists every stage in forward order.
var Stages = []Stage{
	StageWaitingForResponse,
	StageNegotiatingTerms,
	StagePlatformEscrow,
	StageContentSubmitted,
	StageApproved,
	StagePaymentReleased,
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool { return s.Index() >= 0 }

// Trigger is an event that moves a deal between stages.
type Trigger string

const (
	TriggerRespond          Trigger = "respond"
	TriggerAgreementReached Trigger = "agreement_reached"
	TriggerSubmitContent    Trigger = "submit_content"
	TriggerApprove          Trigger = "approve"
	TriggerReject           Trigger = "reject"
	TriggerReleasePayment   Trigger = "release_payment"
)

// transitions is the complete stage machine. Anything not listed is illegal.
var transitions = map[Stage]map[Trigger]Stage{
	StageWaitingForResponse: {
		TriggerRespond: StageNegotiatingTerms,
	},
	StageNegotiatingTerms: {
		TriggerAgreementReached: StagePlatformEscrow,
	},
	StagePlatformEscrow: {
		TriggerSubmitContent: StageContentSubmitted,
	},
	StageContentSubmitted: {
		TriggerApprove: StageApproved,
		TriggerReject:  StagePlatformEscrow,
	},
	StageApproved: {
		TriggerReleasePayment: StagePaymentReleased,
	},
}

// Transition returns the stage reached from `from` on trigger t.
func Transition(from Stage, t Trigger) (Stage, error) {
	next, ok := transitions[from][t]
	if !ok {
		return from, &TransitionError{From: from, Trigger: t}
	}
	return next, nil
}

// CanTransition reports whether t is legal from `from`.
func CanTransition(from Stage, t Trigger) bool {
	_, ok := transitions[from][t]
	return ok
}

// TransitionError describes an illegal trigger for the current stage.
type TransitionError struct {
	From    Stage
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return "cannot " + string(e.Trigger) + " while deal is in " + string(e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
