package deal

// Action is a class of operation checked by Authorize.
type Action string

const (
	ActionView             Action = "view"
	ActionRespond          Action = "respond"
	ActionProposeTerms     Action = "propose_terms"
	ActionConfirmAgreement Action = "confirm_agreement"
	ActionSubmitContent    Action = "submit_content"
	ActionApprove          Action = "approve_submission"
	ActionReject           Action = "reject_submission"
	ActionDecline          Action = "decline"
	ActionSendMessage      Action = "send_message"
	ActionReleasePayment   Action = "release_payment"
)

// Policy decides whether an actor may perform an action on a deal.
type Policy interface {
	Authorize(action Action, actor Actor, d Deal) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(action Action, actor Actor, d Deal) error

func (f PolicyFunc) Authorize(action Action, actor Actor, d Deal) error { return f(action, actor, d) }

// DefaultPolicy enforces party membership and the delivering/reviewing split.
var DefaultPolicy Policy = PolicyFunc(Authorize)

// Authorize returns nil when actor may perform action on d.
func Authorize(action Action, actor Actor, d Deal) error {
	if actor.ID == "" {
		return ErrUnauthenticated
	}
	switch action {
	case ActionView:
		if d.IsParty(actor.ID) || actor.Privileged() {
			return nil
		}
	case ActionReleasePayment:
		if actor.Privileged() {
			return nil
		}
	case ActionRespond:
		if actor.ID == d.CounterpartyID {
			return nil
		}
	case ActionSubmitContent:
		if actor.ID == d.CreatorID {
			return nil
		}
	case ActionApprove, ActionReject:
		if d.IsParty(actor.ID) && actor.ID != d.CreatorID {
			return nil
		}
	case ActionProposeTerms, ActionConfirmAgreement, ActionDecline, ActionSendMessage:
		if d.IsParty(actor.ID) {
			return nil
		}
	}
	return ErrForbidden
}
