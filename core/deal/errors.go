package deal

import "errors"

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

// Validation errors.
var (
	ErrInvalidAmount   = Err("amount must be a positive whole number")
	ErrMissingDeadline = Err("deadline is required")
	ErrInvalidDeadline = Err("deadline must be a calendar date (YYYY-MM-DD)")
	ErrMissingURL      = Err("content url is required")
	ErrInvalidURL      = Err("content url must be an absolute http(s) link")
	ErrURLTooLong      = Err("content url is too long")
	ErrMissingReason   = Err("a rejection reason is required")
	ErrInvalidParties  = Err("a deal needs one creator and one business")
	ErrSelfDeal        = Err("cannot open a deal with yourself")
	ErrMissingProfile  = Err("both parties need a profile with a role")
	ErrEmptyMessage    = Err("message body is required")
	ErrMessageTooLong  = Err("message body is too long")
	ErrInvalidValue    = Err("deal value must be positive")
	ErrInvalidStage    = Err("unknown deal stage")
)

// Authorization errors.
var (
	ErrUnauthenticated = Err("authentication required")
	ErrForbidden       = Err("not allowed to perform this action on the deal")
)

// Not-found and state errors.
var (
	ErrDealNotFound           = Err("deal not found")
	ErrSubmissionNotFound     = Err("submission not found")
	ErrInvalidTransition      = Err("action not allowed in the deal's current stage")
	ErrTermsNotMatched        = Err("latest proposals do not match yet")
	ErrNoActionableSubmission = Err("submission is not the current pending submission")
	ErrDealRejected           = Err("deal has been declined")
	ErrStaleDeal              = Err("deal was changed by someone else, refresh and try again")
	ErrReworkLimit            = Err("rework limit reached for this deal")
)

// Kind classifies an error for callers that map it onto a transport status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

var kinds = map[Err]Kind{
	ErrInvalidAmount:          KindValidation,
	ErrMissingDeadline:        KindValidation,
	ErrInvalidDeadline:        KindValidation,
	ErrMissingURL:             KindValidation,
	ErrInvalidURL:             KindValidation,
	ErrURLTooLong:             KindValidation,
	ErrMissingReason:          KindValidation,
	ErrInvalidParties:         KindValidation,
	ErrSelfDeal:               KindValidation,
	ErrMissingProfile:         KindValidation,
	ErrEmptyMessage:           KindValidation,
	ErrMessageTooLong:         KindValidation,
	ErrInvalidValue:           KindValidation,
	ErrInvalidStage:           KindValidation,
	ErrUnauthenticated:        KindUnauthenticated,
	ErrForbidden:              KindForbidden,
	ErrDealNotFound:           KindNotFound,
	ErrSubmissionNotFound:     KindNotFound,
	ErrInvalidTransition:      KindConflict,
	ErrTermsNotMatched:        KindConflict,
	ErrNoActionableSubmission: KindConflict,
	ErrDealRejected:           KindConflict,
	ErrStaleDeal:              KindConflict,
	ErrReworkLimit:            KindConflict,
}

// KindOf walks the wrap chain and returns the first known classification.
// Unknown errors are internal.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(Err); ok {
			if k, found := kinds[e]; found {
				return k
			}
		}
		err = errors.Unwrap(err)
	}
	return KindInternal
}
