package mcp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sponsorhub-backend/core/deal"
)

const (
	initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
	declineBody    = `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"decline_deal","arguments":{"deal_id":"%s"}}}`
)

// sessionsFor accepts "creator" and "business" as bearer tokens.
func sessionsFor(f *toolFixture) SessionParser {
	return func(raw string) (deal.Actor, error) {
		switch raw {
		case "creator":
			return f.creatorActor, nil
		case "business":
			return f.businessActor, nil
		}
		return deal.Actor{}, errors.New("unknown session")
	}
}

func postRPC(t *testing.T, url, token, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestHTTPRejectsAnonymousCalls(t *testing.T) {
	f := newToolFixture(t)
	shared := NewServer(f.deals, deal.Actor{}, nil)
	ts := httptest.NewServer(shared.HTTPHandler(sessionsFor(f)))
	defer ts.Close()

	cases := []struct {
		name  string
		token string
	}{
		{"no credentials", ""},
		{"unknown session", "forged"},
	}
	for _, tc := range cases {
		for _, body := range []string{initializeBody, strings.Replace(declineBody, "%s", f.dealID, 1)} {
			resp := postRPC(t, ts.URL, tc.token, "", body)
			payload, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("%s: status = %d body=%s", tc.name, resp.StatusCode, payload)
			}
			if !strings.Contains(string(payload), ErrCodeUnauthorized) {
				t.Fatalf("%s: body = %s", tc.name, payload)
			}
		}
	}

	d, err := f.deals.GetDeal(context.Background(), f.creatorActor, f.dealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if d.Rejected || d.Version != 1 {
		t.Fatalf("anonymous call changed the deal: %+v", d)
	}
}

func TestHTTPRunsToolsAsBearerSession(t *testing.T) {
	f := newToolFixture(t)
	shared := NewServer(f.deals, deal.Actor{}, nil)
	ts := httptest.NewServer(shared.HTTPHandler(sessionsFor(f)))
	defer ts.Close()

	resp := postRPC(t, ts.URL, "creator", "", initializeBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get("Mcp-Session-Id")

	resp = postRPC(t, ts.URL, "creator", sessionID, strings.Replace(declineBody, "%s", f.dealID, 1))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/call status = %d", resp.StatusCode)
	}

	d, err := f.deals.GetDeal(context.Background(), f.businessActor, f.dealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if !d.Rejected {
		t.Fatalf("expected the creator's decline to apply: %+v", d)
	}
}

func TestToolsUseContextActor(t *testing.T) {
	f := newToolFixture(t)
	shared := NewServer(f.deals, deal.Actor{}, nil)
	id := map[string]interface{}{"deal_id": f.dealID}

	res, body := call(t, shared.handleDecline, id)
	if te := toolError(t, res, body); te.Code != ErrCodeUnauthorized {
		t.Fatalf("call without actor: %+v", te)
	}

	var d deal.Deal
	res, body = callCtx(t, WithActor(context.Background(), f.creatorActor), shared.handleRespond, id)
	mustSucceed(t, res, body, &d)
	if d.Stage != deal.StageNegotiatingTerms {
		t.Fatalf("stage after respond = %s", d.Stage)
	}

	// A context actor overrides the server's own session.
	res, body = callCtx(t, WithActor(context.Background(), f.creatorActor), f.business.handleRespond, id)
	if te := toolError(t, res, body); te.Code != ErrCodeConflict {
		t.Fatalf("second respond as creator: %+v", te)
	}
}
