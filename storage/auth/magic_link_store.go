package auth

import (
	"sync"
	"time"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/security"
)

const maxLinkAttempts = 5

// MagicLink is an outstanding login link. Only the digest of the token is kept.
type MagicLink struct {
	Email       string    `json:"email"`
	TokenDigest string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// failedAttempts counts wrong tokens for one email until resetAt.
type failedAttempts struct {
	count   int
	resetAt time.Time
}

// MagicLinkStore keeps login links in memory. Issuing a new link replaces the old one
// but keeps the email's failed attempts, so the cap holds across reissued links.
type MagicLinkStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    clock.Clock
	links    map[string]MagicLink // keyed by email
	failures map[string]failedAttempts
}

// NewMagicLinkStore builds an in-memory link store.
func NewMagicLinkStore(ttl time.Duration, clk clock.Clock) *MagicLinkStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MagicLinkStore{
		ttl:      ttl,
		clock:    clk,
		links:    make(map[string]MagicLink),
		failures: make(map[string]failedAttempts),
	}
}

// Issue creates or refreshes the link for email and returns the raw token.
func (s *MagicLinkStore) Issue(email string) (string, MagicLink, error) {
	token, err := security.RandomToken(32)
	if err != nil {
		return "", MagicLink{}, err
	}
	now := s.clock.Now()
	link := MagicLink{
		Email:       email,
		TokenDigest: security.Digest(token),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.mu.Lock()
	s.sweepLocked(now)
	s.links[email] = link
	s.mu.Unlock()
	return token, link, nil
}

// Verify consumes the link when token matches. Links are single use. After
// maxLinkAttempts wrong tokens the email is locked out for one link TTL.
func (s *MagicLinkStore) Verify(email, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	failed, ok := s.failures[email]
	if ok && now.After(failed.resetAt) {
		delete(s.failures, email)
		failed = failedAttempts{}
	}
	if failed.count >= maxLinkAttempts {
		delete(s.links, email)
		return ErrTooManyAttempts
	}

	link, ok := s.links[email]
	if !ok {
		return ErrLinkInvalid
	}
	if now.After(link.ExpiresAt) {
		delete(s.links, email)
		return ErrLinkInvalid
	}
	if security.DigestEqual(token, link.TokenDigest) {
		delete(s.links, email)
		delete(s.failures, email)
		return nil
	}
	if failed.count == 0 {
		failed.resetAt = now.Add(s.ttl)
	}
	failed.count++
	s.failures[email] = failed
	return ErrLinkInvalid
}

// Sweep drops expired links and lapsed attempt counters. It returns the number of links removed.
func (s *MagicLinkStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.clock.Now())
}

func (s *MagicLinkStore) sweepLocked(now time.Time) int {
	for email, failed := range s.failures {
		if now.After(failed.resetAt) {
			delete(s.failures, email)
		}
	}
	removed := 0
	for email, link := range s.links {
		if now.After(link.ExpiresAt) {
			delete(s.links, email)
			removed++
		}
	}
	return removed
}
