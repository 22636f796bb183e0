package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/erauner12/tenantmirror/internal/auth"
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/db"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret = "test-secret"
	testAPIKey = "anon-key"
)

var testJWT = auth.JWTCfg{HS256Secret: testSecret, APIKey: testAPIKey}

// newTestServer builds a router over a fresh memory store
func newTestServer(t *testing.T, policy Policy) (*Server, http.Handler) {
	t.Helper()
	specs := collection.NewRegistry()
	srv := &Server{
		Store:       db.NewMemoryStore(specs),
		Collections: specs,
		Policy:      policy,
		Hub:         NewHub(policy, testJWT, specs),
	}
	return srv, srv.Routes(testJWT)
}

// issueToken signs a token for a tenant-scoped principal
func issueToken(t *testing.T, sub, tenant, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub}
	if tenant != "" {
		claims["tenant_id"] = tenant
	}
	if role != "" {
		claims["app_metadata"] = map[string]any{"role": role}
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tok
}

// makeRequest performs one REST call with the usual headers
func makeRequest(t *testing.T, router http.Handler, method, path string, body any, token string, representation bool) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", testAPIKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if representation {
		req.Header.Set("Prefer", "return=representation")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeRowsBody(t *testing.T, w *httptest.ResponseRecorder) []collection.Row {
	t.Helper()
	var rows []collection.Row
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("Failed to decode rows: %v (body %q)", err, w.Body.String())
	}
	return rows
}
