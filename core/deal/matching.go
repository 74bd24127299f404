package deal

import (
	"math"
	"net/url"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// MaxAmount is the largest accepted proposal amount in whole currency units.
const MaxAmount = 1e12

// MaxMessageLength bounds chat messages and deal pitches.
const MaxMessageLength = 4000

// DeadlineDate returns the calendar-date portion of a deadline.
func DeadlineDate(deadline string) string {
	deadline = strings.TrimSpace(deadline)
	if len(deadline) > len(dateLayout) {
		return deadline[:len(dateLayout)]
	}
	return deadline
}

// ValidateTerms checks a proposal's amount and deadline and returns their normalized form.
func ValidateTerms(amount float64, deadline string) (int64, string, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 || amount != math.Trunc(amount) || amount > MaxAmount {
		return 0, "", ErrInvalidAmount
	}
	deadline = strings.TrimSpace(deadline)
	if deadline == "" {
		return 0, "", ErrMissingDeadline
	}
	if _, err := time.Parse(dateLayout, DeadlineDate(deadline)); err != nil {
		return 0, "", ErrInvalidDeadline
	}
	return int64(amount), deadline, nil
}

// ProposalsMatch reports whether both proposals exist with equal amounts and equal deadline dates.
func ProposalsMatch(a, b *TermProposal) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Amount == b.Amount && DeadlineDate(a.Deadline) == DeadlineDate(b.Deadline)
}

// MaxContentURLLength keeps submitted links within what a medium-recovery QR code holds.
const MaxContentURLLength = 2048

// ValidateContentURL trims and checks a submitted content link.
func ValidateContentURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingURL
	}
	if len(raw) > MaxContentURLLength {
		return "", ErrURLTooLong
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidURL
	}
	return raw, nil
}

// ValidateReason trims a rejection reason and requires it to be non-empty.
func ValidateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", ErrMissingReason
	}
	return reason, nil
}

// ValidateMessage trims a chat message body.
func ValidateMessage(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyMessage
	}
	if len(body) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return body, nil
}
