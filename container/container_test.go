package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"sponsorhub-backend/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = strings.Repeat("x", 32)
	cfg.Server.RateLimit = 0
	return cfg
}

func TestNewContainerMemory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	c, err := NewContainer(ctx, testConfig(), nil)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	defer c.Close(ctx)

	if c.PayoutSync != nil {
		t.Fatalf("payout sync should be off by default")
	}
	router := c.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/deals", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("deals without session: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sponsorhub_") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestNewContainerWithPayoutSync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Payout.Enabled = true
	cfg.Payout.Interval = time.Hour
	c, err := NewContainer(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	defer c.Close(ctx)
	if c.PayoutSync == nil {
		t.Fatalf("payout sync should be wired when enabled")
	}
	if n, err := c.PayoutSync.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("run once on empty store: %d %v", n, err)
	}
}

func TestNewContainerSQLiteKeepsAccounts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "sponsorhub.db")

	c, err := NewContainer(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	u, _, err := c.Directory.EnsureUser(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	c.Close(ctx)

	c, err = NewContainer(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("reopen container: %v", err)
	}
	defer c.Close(ctx)
	again, created, err := c.Directory.EnsureUser(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("ensure user after restart: %v", err)
	}
	if created || again.ID != u.ID {
		t.Fatalf("user id changed across restart: %s -> %s", u.ID, again.ID)
	}
}

func TestNewContainerRejectsShortSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"
	if _, err := NewContainer(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for short jwt secret")
	}
}
