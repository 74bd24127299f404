package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/security"
	"sponsorhub-backend/storage/auth"
)

// AuthServiceOptions wires an AuthService.
type AuthServiceOptions struct {
	Directory     auth.Directory
	Links         *auth.MagicLinkStore
	Tokens        *security.TokenIssuer
	Captcha       CaptchaVerifier
	Mailer        Mailer
	PublicBaseURL string
	IsAdmin       func(email string) bool
	Logger        *zap.Logger
}

// AuthService gates access through the waitlist and magic-link login.
type AuthService struct {
	dir     auth.Directory
	links   *auth.MagicLinkStore
	tokens  *security.TokenIssuer
	captcha CaptchaVerifier
	mailer  Mailer
	baseURL string
	isAdmin func(string) bool
	log     *zap.Logger
}

func NewAuthService(opts AuthServiceOptions) *AuthService {
	s := &AuthService{
		dir:     opts.Directory,
		links:   opts.Links,
		tokens:  opts.Tokens,
		captcha: opts.Captcha,
		mailer:  opts.Mailer,
		baseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		isAdmin: opts.IsAdmin,
		log:     opts.Logger,
	}
	if s.captcha == nil {
		s.captcha = NoopVerifier{}
	}
	if s.isAdmin == nil {
		s.isAdmin = func(string) bool { return false }
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Session is an issued login session.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      auth.User `json:"user"`
	NewUser   bool      `json:"new_user"`
}

// JoinWaitlist records a signup. Joining twice returns the existing entry.
func (s *AuthService) JoinWaitlist(ctx context.Context, rawEmail, source, captchaToken, remoteIP string) (auth.WaitlistEntry, error) {
	email, err := security.NormalizeEmail(rawEmail)
	if err != nil {
		return auth.WaitlistEntry{}, err
	}
	if err := s.captcha.Verify(ctx, captchaToken, remoteIP); err != nil {
		return auth.WaitlistEntry{}, err
	}
	return s.dir.JoinWaitlist(ctx, email, strings.TrimSpace(source))
}

// RequestMagicLink emails a single-use login link to an approved address.
func (s *AuthService) RequestMagicLink(ctx context.Context, rawEmail, captchaToken, remoteIP string) error {
	email, err := security.NormalizeEmail(rawEmail)
	if err != nil {
		return err
	}
	if err := s.captcha.Verify(ctx, captchaToken, remoteIP); err != nil {
		return err
	}
	if !s.isAdmin(email) {
		entry, err := s.dir.GetWaitlistEntry(ctx, email)
		if err != nil {
			return err
		}
		if entry.Status != auth.WaitlistApproved {
			return auth.ErrNotApproved
		}
	}
	token, link, err := s.links.Issue(email)
	if err != nil {
		return err
	}
	loginURL := fmt.Sprintf("%s/auth/verify?email=%s&token=%s", s.baseURL, url.QueryEscape(email), url.QueryEscape(token))
	body := fmt.Sprintf("Sign in to SponsorHub: %s\nThis link expires at %s.", loginURL, link.ExpiresAt.Format(time.RFC1123))
	if err := s.mailer.Send(ctx, email, "Your SponsorHub login link", body); err != nil {
		return fmt.Errorf("send login link: %w", err)
	}
	return nil
}

// Verify consumes a login link and issues a session token.
func (s *AuthService) Verify(ctx context.Context, rawEmail, token string) (Session, error) {
	email, err := security.NormalizeEmail(rawEmail)
	if err != nil {
		return Session{}, err
	}
	if err := s.links.Verify(email, strings.TrimSpace(token)); err != nil {
		return Session{}, err
	}
	user, created, err := s.dir.EnsureUser(ctx, email)
	if err != nil {
		return Session{}, err
	}
	role := user.Role
	if s.isAdmin(email) {
		role = deal.RoleAdmin
	}
	raw, expires, err := s.tokens.Issue(deal.Actor{ID: user.ID, Email: user.Email, Role: role})
	if err != nil {
		return Session{}, err
	}
	if created {
		s.log.Info("new user signed in", zap.String("user_id", user.ID))
	}
	return Session{Token: raw, ExpiresAt: expires, User: user, NewUser: created}, nil
}

// ParseSession resolves a bearer token to the acting user.
func (s *AuthService) ParseSession(raw string) (deal.Actor, error) {
	return s.tokens.Parse(raw)
}

// SessionTTL is how long issued session tokens stay valid.
func (s *AuthService) SessionTTL() time.Duration { return s.tokens.TTL() }

func (s *AuthService) CurrentUser(ctx context.Context, actor deal.Actor) (auth.User, error) {
	if actor.ID == "" {
		return auth.User{}, deal.ErrUnauthenticated
	}
	return s.dir.GetUser(ctx, actor.ID)
}

// UpdateProfile saves the caller's profile.
func (s *AuthService) UpdateProfile(ctx context.Context, actor deal.Actor, update auth.ProfileUpdate) (auth.User, error) {
	if actor.ID == "" {
		return auth.User{}, deal.ErrUnauthenticated
	}
	normalized, err := update.Normalize()
	if err != nil {
		return auth.User{}, err
	}
	return s.dir.UpdateProfile(ctx, actor.ID, normalized)
}

// SearchProfiles lists counterparties, never including the caller.
func (s *AuthService) SearchProfiles(ctx context.Context, actor deal.Actor, filter auth.ProfileFilter) ([]auth.User, error) {
	if actor.ID == "" {
		return nil, deal.ErrUnauthenticated
	}
	filter.ExcludeID = actor.ID
	return s.dir.SearchProfiles(ctx, filter)
}

func (s *AuthService) ListWaitlist(ctx context.Context, actor deal.Actor, status string) ([]auth.WaitlistEntry, error) {
	if !actor.Privileged() {
		return nil, deal.ErrForbidden
	}
	return s.dir.ListWaitlist(ctx, status)
}

func (s *AuthService) ApproveWaitlist(ctx context.Context, actor deal.Actor, rawEmail string) (auth.WaitlistEntry, error) {
	if !actor.Privileged() {
		return auth.WaitlistEntry{}, deal.ErrForbidden
	}
	email, err := security.NormalizeEmail(rawEmail)
	if err != nil {
		return auth.WaitlistEntry{}, err
	}
	entry, err := s.dir.ApproveWaitlist(ctx, email)
	if err != nil {
		return auth.WaitlistEntry{}, err
	}
	s.log.Info("waitlist entry approved", zap.String("email", email), zap.String("by", actor.ID))
	return entry, nil
}
