package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/security"
	"sponsorhub-backend/storage/auth"
)

type sentMail struct {
	to, subject, body string
}

type memoryMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *memoryMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

func (m *memoryMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatalf("no mail sent")
	}
	body := m.sent[len(m.sent)-1].body
	start := strings.Index(body, "http")
	end := strings.Index(body[start:], "\n")
	u, err := url.Parse(body[start : start+end])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("token")
}

func newAuthFixture(t *testing.T, captcha CaptchaVerifier) (*AuthService, *auth.MemoryDirectory, *memoryMailer) {
	t.Helper()
	clk := clock.Fake(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	dir := auth.NewMemoryDirectory(clk)
	tokens, err := security.NewTokenIssuer(strings.Repeat("k", 32), time.Hour, clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	mailer := &memoryMailer{}
	svc := NewAuthService(AuthServiceOptions{
		Directory:     dir,
		Links:         auth.NewMagicLinkStore(15*time.Minute, clk),
		Tokens:        tokens,
		Captcha:       captcha,
		Mailer:        mailer,
		PublicBaseURL: "https://app.example.com/",
		IsAdmin:       func(email string) bool { return email == "ops@example.com" },
	})
	return svc, dir, mailer
}

func TestWaitlistToSession(t *testing.T) {
	ctx := context.Background()
	svc, _, mailer := newAuthFixture(t, nil)

	if _, err := svc.JoinWaitlist(ctx, "Maya@Example.com", "twitter", "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := svc.RequestMagicLink(ctx, "maya@example.com", "", ""); !errors.Is(err, auth.ErrNotApproved) {
		t.Fatalf("pending entry should not get a link: %v", err)
	}
	if err := svc.RequestMagicLink(ctx, "stranger@example.com", "", ""); !errors.Is(err, auth.ErrNotOnWaitlist) {
		t.Fatalf("unknown email: %v", err)
	}

	admin := deal.Actor{ID: "admin", Role: deal.RoleAdmin}
	if _, err := svc.ApproveWaitlist(ctx, deal.Actor{ID: "u1", Role: deal.RoleCreator}, "maya@example.com"); !errors.Is(err, deal.ErrForbidden) {
		t.Fatalf("non-admin approve: %v", err)
	}
	if _, err := svc.ApproveWaitlist(ctx, admin, "maya@example.com"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := svc.RequestMagicLink(ctx, "maya@example.com", "", ""); err != nil {
		t.Fatalf("request link: %v", err)
	}

	session, err := svc.Verify(ctx, "maya@example.com", mailer.lastToken(t))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !session.NewUser || session.User.Email != "maya@example.com" {
		t.Fatalf("unexpected session: %+v", session)
	}
	actor, err := svc.ParseSession("Bearer " + session.Token)
	if err != nil || actor.ID != session.User.ID {
		t.Fatalf("parse session: %+v %v", actor, err)
	}

	updated, err := svc.UpdateProfile(ctx, actor, auth.ProfileUpdate{DisplayName: "Maya", Role: deal.RoleCreator})
	if err != nil || !updated.HasProfile() {
		t.Fatalf("update profile: %+v %v", updated, err)
	}
	if _, err := svc.UpdateProfile(ctx, actor, auth.ProfileUpdate{DisplayName: "Maya", Role: deal.RoleAdmin}); !errors.Is(err, auth.ErrInvalidRole) {
		t.Fatalf("admin role must not be self-assigned: %v", err)
	}
}

func TestAdminBypassesWaitlist(t *testing.T) {
	ctx := context.Background()
	svc, _, mailer := newAuthFixture(t, nil)
	if err := svc.RequestMagicLink(ctx, "ops@example.com", "", ""); err != nil {
		t.Fatalf("admin link: %v", err)
	}
	session, err := svc.Verify(ctx, "ops@example.com", mailer.lastToken(t))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	actor, err := svc.ParseSession(session.Token)
	if err != nil || actor.Role != deal.RoleAdmin {
		t.Fatalf("admin session role: %+v %v", actor, err)
	}
	if _, err := svc.ListWaitlist(ctx, actor, ""); err != nil {
		t.Fatalf("admin list: %v", err)
	}
}

func TestSiteVerifyClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "s3cret" {
			t.Errorf("secret not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("response") == "good" {
			w.Write([]byte(`{"success":true}`))
			return
		}
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	client := NewSiteVerifyClient("s3cret", srv.URL)
	ctx := context.Background()
	if err := client.Verify(ctx, "good", "10.0.0.1"); err != nil {
		t.Fatalf("good token: %v", err)
	}
	if err := client.Verify(ctx, "bad", ""); !errors.Is(err, ErrCaptchaFailed) {
		t.Fatalf("bad token: %v", err)
	}
	if err := client.Verify(ctx, "", ""); !errors.Is(err, ErrCaptchaFailed) {
		t.Fatalf("empty token: %v", err)
	}

	svc, _, _ := newAuthFixture(t, client)
	if _, err := svc.JoinWaitlist(ctx, "maya@example.com", "", "bad", ""); !errors.Is(err, ErrCaptchaFailed) {
		t.Fatalf("waitlist without captcha: %v", err)
	}
}

func TestQRCodeForLatestSubmission(t *testing.T) {
	f := newFixture(t, 0)
	d := f.escrowed(t)
	qr := NewQRCodeService(f.svc)
	if _, err := qr.LatestSubmissionQRCode(f.ctx, f.business, d.ID); !errors.Is(err, deal.ErrSubmissionNotFound) {
		t.Fatalf("no submission yet: %v", err)
	}
	if _, err := f.svc.SubmitContent(f.ctx, f.creator, d.ID, "https://x.com/content", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	png, err := qr.LatestSubmissionQRCode(f.ctx, f.business, d.ID)
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatalf("expected PNG bytes")
	}
}

func TestQRCodeFitsLongestAcceptedURL(t *testing.T) {
	f := newFixture(t, 0)
	d := f.escrowed(t)
	qr := NewQRCodeService(f.svc)

	longest := "https://x.com/" + strings.Repeat("a", deal.MaxContentURLLength-len("https://x.com/"))
	if _, err := f.svc.SubmitContent(f.ctx, f.creator, d.ID, longest+"a", ""); deal.KindOf(err) != deal.KindValidation {
		t.Fatalf("over-long url should be a validation error, got %v", err)
	}
	if _, err := f.svc.SubmitContent(f.ctx, f.creator, d.ID, longest, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := qr.LatestSubmissionQRCode(f.ctx, f.business, d.ID); err != nil {
		t.Fatalf("qr for the longest accepted url: %v", err)
	}
}
