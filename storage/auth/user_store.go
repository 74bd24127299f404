package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrUserNotFound    = Err("user not found")
	ErrNotOnWaitlist   = Err("email is not on the waitlist")
	ErrNotApproved     = Err("waitlist entry is not approved yet")
	ErrInvalidRole     = Err("role must be creator or business")
	ErrInvalidProfile  = Err("display name is required")
	ErrLinkInvalid     = Err("login link is invalid or expired")
	ErrTooManyAttempts = Err("too many attempts, request a new login link")
)

// User is an account with its public profile.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        deal.Role `json:"role,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	Niche       string    `json:"niche,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasProfile reports whether the user picked a role and a name.
func (u User) HasProfile() bool {
	return u.Role.Valid() && strings.TrimSpace(u.DisplayName) != ""
}

// ProfileUpdate is the editable part of a profile.
type ProfileUpdate struct {
	DisplayName string    `json:"display_name"`
	Role        deal.Role `json:"role"`
	Bio         string    `json:"bio"`
	Niche       string    `json:"niche"`
	AvatarURL   string    `json:"avatar_url"`
}

// Normalize trims fields and validates the required ones.
func (p ProfileUpdate) Normalize() (ProfileUpdate, error) {
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Bio = strings.TrimSpace(p.Bio)
	p.Niche = strings.TrimSpace(p.Niche)
	p.AvatarURL = strings.TrimSpace(p.AvatarURL)
	if p.DisplayName == "" || len(p.DisplayName) > 120 {
		return p, ErrInvalidProfile
	}
	if !p.Role.Valid() {
		return p, ErrInvalidRole
	}
	return p, nil
}

// ProfileFilter narrows a counterparty search.
type ProfileFilter struct {
	Role      deal.Role
	Query     string
	ExcludeID string
	Limit     int
}

// Waitlist statuses.
const (
	WaitlistPending  = "pending"
	WaitlistApproved = "approved"
)

// WaitlistEntry is one signup request.
type WaitlistEntry struct {
	Email      string     `json:"email"`
	Source     string     `json:"source,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// UserStore manages accounts and profiles.
type UserStore interface {
	// EnsureUser returns the user for email, creating it on first login.
	EnsureUser(ctx context.Context, email string) (User, bool, error)
	GetUser(ctx context.Context, id string) (User, error)
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (User, error)
	SearchProfiles(ctx context.Context, filter ProfileFilter) ([]User, error)
}

// WaitlistStore manages the signup gate.
type WaitlistStore interface {
	JoinWaitlist(ctx context.Context, email, source string) (WaitlistEntry, error)
	GetWaitlistEntry(ctx context.Context, email string) (WaitlistEntry, error)
	ApproveWaitlist(ctx context.Context, email string) (WaitlistEntry, error)
	ListWaitlist(ctx context.Context, status string) ([]WaitlistEntry, error)
}

// Directory is the combined account backend.
type Directory interface {
	UserStore
	WaitlistStore
	Close()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 25
	}
	return limit
}

// MemoryDirectory keeps users and the waitlist in memory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	clock    clock.Clock
	users    map[string]User // by id
	byEmail  map[string]string
	waitlist map[string]WaitlistEntry
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory(clk clock.Clock) *MemoryDirectory {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryDirectory{
		clock:    clk,
		users:    make(map[string]User),
		byEmail:  make(map[string]string),
		waitlist: make(map[string]WaitlistEntry),
	}
}

func (s *MemoryDirectory) Close() {}

func (s *MemoryDirectory) EnsureUser(ctx context.Context, email string) (User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEmail[email]; ok {
		return s.users[id], false, nil
	}
	now := s.clock.Now()
	u := User{ID: uuid.NewString(), Email: email, CreatedAt: now, UpdatedAt: now}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u, true, nil
}

func (s *MemoryDirectory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryDirectory) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (User, error) {
	update, err := update.Normalize()
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.DisplayName = update.DisplayName
	u.Role = update.Role
	u.Bio = update.Bio
	u.Niche = update.Niche
	u.AvatarURL = update.AvatarURL
	u.UpdatedAt = s.clock.Now()
	s.users[id] = u
	return u, nil
}

func (s *MemoryDirectory) SearchProfiles(ctx context.Context, filter ProfileFilter) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	out := make([]User, 0)
	for _, u := range s.users {
		if !u.HasProfile() || u.ID == filter.ExcludeID {
			continue
		}
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(u.DisplayName+" "+u.Niche+" "+u.Bio), q) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryDirectory) JoinWaitlist(ctx context.Context, email, source string) (WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.waitlist[email]; ok {
		return existing, nil
	}
	e := WaitlistEntry{Email: email, Source: source, Status: WaitlistPending, CreatedAt: s.clock.Now()}
	s.waitlist[email] = e
	return e, nil
}

func (s *MemoryDirectory) GetWaitlistEntry(ctx context.Context, email string) (WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.waitlist[email]
	if !ok {
		return WaitlistEntry{}, ErrNotOnWaitlist
	}
	return e, nil
}

// ApproveWaitlist approves email, adding it to the list if an admin approves it directly.
func (s *MemoryDirectory) ApproveWaitlist(ctx context.Context, email string) (WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	e, ok := s.waitlist[email]
	if !ok {
		e = WaitlistEntry{Email: email, Source: "admin", CreatedAt: now}
	}
	if e.Status != WaitlistApproved {
		e.Status = WaitlistApproved
		e.ApprovedAt = &now
	}
	s.waitlist[email] = e
	return e, nil
}

func (s *MemoryDirectory) ListWaitlist(ctx context.Context, status string) ([]WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WaitlistEntry, 0, len(s.waitlist))
	for _, e := range s.waitlist {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Email < out[j].Email
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
