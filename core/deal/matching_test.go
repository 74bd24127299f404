package deal

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestProposalsMatch(t *testing.T) {
	cases := []struct {
		name string
		a, b *TermProposal
		want bool
	}{
		{"equal", &TermProposal{Amount: 500, Deadline: "2025-06-01"}, &TermProposal{Amount: 500, Deadline: "2025-06-01"}, true},
		{"time of day ignored", &TermProposal{Amount: 500, Deadline: "2025-06-01"}, &TermProposal{Amount: 500, Deadline: "2025-06-01T10:00:00Z"}, true},
		{"amount differs", &TermProposal{Amount: 500, Deadline: "2025-06-01"}, &TermProposal{Amount: 499, Deadline: "2025-06-01"}, false},
		{"date differs", &TermProposal{Amount: 500, Deadline: "2025-06-01"}, &TermProposal{Amount: 500, Deadline: "2025-06-02"}, false},
		{"missing other", &TermProposal{Amount: 500, Deadline: "2025-06-01"}, nil, false},
		{"missing mine", nil, &TermProposal{Amount: 500, Deadline: "2025-06-01"}, false},
		{"both missing", nil, nil, false},
	}
	for _, tc := range cases {
		if got := ProposalsMatch(tc.a, tc.b); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got := ProposalsMatch(tc.b, tc.a); got != tc.want {
			t.Fatalf("%s (swapped): expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestValidateTerms(t *testing.T) {
	amount, deadline, err := ValidateTerms(500, " 2025-06-01 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount != 500 || deadline != "2025-06-01" {
		t.Fatalf("unexpected normalized terms %d %q", amount, deadline)
	}
	if _, _, err := ValidateTerms(500, "2025-06-01T10:00:00Z"); err != nil {
		t.Fatalf("timestamp deadline should be accepted: %v", err)
	}

	bad := []struct {
		amount   float64
		deadline string
		want     error
	}{
		{0, "2025-06-01", ErrInvalidAmount},
		{-5, "2025-06-01", ErrInvalidAmount},
		{10.5, "2025-06-01", ErrInvalidAmount},
		{math.NaN(), "2025-06-01", ErrInvalidAmount},
		{math.Inf(1), "2025-06-01", ErrInvalidAmount},
		{500, "", ErrMissingDeadline},
		{500, "   ", ErrMissingDeadline},
		{500, "next week", ErrInvalidDeadline},
		{500, "2025-13-01", ErrInvalidDeadline},
	}
	for _, tc := range bad {
		_, _, err := ValidateTerms(tc.amount, tc.deadline)
		if !errors.Is(err, tc.want) {
			t.Fatalf("ValidateTerms(%v, %q): expected %v, got %v", tc.amount, tc.deadline, tc.want, err)
		}
		if KindOf(err) != KindValidation {
			t.Fatalf("expected validation kind for %v", err)
		}
	}
}

func TestValidateReasonRejectsWhitespace(t *testing.T) {
	for _, reason := range []string{"", " ", "\t\n"} {
		if _, err := ValidateReason(reason); !errors.Is(err, ErrMissingReason) {
			t.Fatalf("reason %q: expected ErrMissingReason, got %v", reason, err)
		}
	}
	got, err := ValidateReason("  needs captions ")
	if err != nil || got != "needs captions" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}

func TestValidateContentURL(t *testing.T) {
	if _, err := ValidateContentURL(""); !errors.Is(err, ErrMissingURL) {
		t.Fatalf("expected ErrMissingURL, got %v", err)
	}
	for _, raw := range []string{"x.com/content", "ftp://x.com/a", "https://"} {
		if _, err := ValidateContentURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q: expected ErrInvalidURL, got %v", raw, err)
		}
	}
	if got, err := ValidateContentURL(" https://x.com/content "); err != nil || got != "https://x.com/content" {
		t.Fatalf("unexpected result %q %v", got, err)
	}

	longest := "https://x.com/" + strings.Repeat("a", MaxContentURLLength-len("https://x.com/"))
	if _, err := ValidateContentURL(longest); err != nil {
		t.Fatalf("url at the limit rejected: %v", err)
	}
	if _, err := ValidateContentURL(longest + "a"); !errors.Is(err, ErrURLTooLong) || KindOf(err) != KindValidation {
		t.Fatalf("expected ErrURLTooLong validation error, got %v", err)
	}
}
