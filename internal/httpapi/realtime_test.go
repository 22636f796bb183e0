package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/erauner12/tenantmirror/internal/push"
)

type feed struct {
	statuses chan push.Status
	changes  chan push.Change
}

func subscribe(t *testing.T, ts *httptest.Server, token, table string) *feed {
	t.Helper()
	client := push.NewClient(push.Options{
		URL:         "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1",
		APIKey:      testAPIKey,
		Resolver:    credential.Static(token),
		JoinTimeout: 2 * time.Second,
	})
	f := &feed{statuses: make(chan push.Status, 8), changes: make(chan push.Change, 8)}
	sub, err := client.Subscribe(context.Background(), push.TopicConfig{Schema: "public", Table: table}, push.Handler{
		OnChange: func(c push.Change) { f.changes <- c },
		OnStatus: func(s push.Status, _ error) { f.statuses <- s },
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return f
}

func (f *feed) waitStatus(t *testing.T, want push.Status) {
	t.Helper()
	select {
	case got := <-f.statuses:
		if got != want {
			t.Fatalf("status = %s, want %s", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for status %s", want)
	}
}

func TestRealtime_PolicyScopedChanges(t *testing.T) {
	_, router := newTestServer(t, Policy{})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	f := subscribe(t, ts, issueToken(t, "user-a", "A", ""), "customers")
	f.waitStatus(t, push.StatusSubscribed)

	admin := issueToken(t, "root", "", "admin")
	for _, tenant := range []string{"B", "A"} {
		w := makeRequest(t, router, http.MethodPost, "/rest/v1/customers",
			map[string]any{"username": "user-" + tenant, "reseller_id": tenant}, admin, false)
		if w.Code != http.StatusNoContent {
			t.Fatalf("create status = %d", w.Code)
		}
	}

	select {
	case c := <-f.changes:
		if c.Kind != push.KindInsert || c.New["reseller_id"] != "A" {
			t.Fatalf("unexpected change %+v", c)
		}
		if c.ReceivedAt.IsZero() {
			t.Fatal("change not stamped on receipt")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change delivered")
	}

	select {
	case c := <-f.changes:
		t.Fatalf("foreign tenant change leaked: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtime_DeleteCarriesOldRow(t *testing.T) {
	srv, router := newTestServer(t, Policy{})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	tok := issueToken(t, "user-a", "A", "")
	w := makeRequest(t, router, http.MethodPost, "/rest/v1/customers",
		map[string]any{"username": "alice", "reseller_id": "A"}, tok, true)
	id := decodeRowsBody(t, w)[0]["id"]

	f := subscribe(t, ts, tok, "customers")
	f.waitStatus(t, push.StatusSubscribed)
	if n := srv.Hub.Subscribers(); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	makeRequest(t, router, http.MethodDelete, "/rest/v1/customers?id=eq."+jsonNumber(id), nil, tok, false)

	select {
	case c := <-f.changes:
		if c.Kind != push.KindDelete || c.Old["username"] != "alice" {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no delete delivered")
	}
}

func TestRealtime_RejectsBadToken(t *testing.T) {
	_, router := newTestServer(t, Policy{})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	f := subscribe(t, ts, "not-a-jwt", "customers")
	f.waitStatus(t, push.StatusChannelError)
}

func TestRealtime_RejectsUnknownTable(t *testing.T) {
	_, router := newTestServer(t, Policy{})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	f := subscribe(t, ts, issueToken(t, "u", "A", ""), "ledger")
	f.waitStatus(t, push.StatusChannelError)
}
