package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hotelkey/keyservice/internal/auth"
	"github.com/hotelkey/keyservice/internal/database"
	"github.com/hotelkey/keyservice/internal/metrics"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
)

func setupTokenStore(t *testing.T) *store.StaffTokenStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewStaffTokenStore(db)
}

func createToken(t *testing.T, ts *store.StaffTokenStore, name, role string) string {
	t.Helper()
	plain, _, err := ts.Create(context.Background(), name, role)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return plain
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/keys", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireStaffRejectsMissingAndBadTokens(t *testing.T) {
	ts := setupTokenStore(t)
	handler := RequireStaff(ts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	for _, tok := range []string{"", "garbage", "hk_000000000000_deadbeef"} {
		rec := serve(handler, tok)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want %d", tok, rec.Code, http.StatusUnauthorized)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("token %q: missing WWW-Authenticate", tok)
		}
	}
}

func TestRequireStaffPopulatesContext(t *testing.T) {
	ts := setupTokenStore(t)
	tok := createToken(t, ts, "front-desk", model.RoleStaff)

	var got auth.AuthContext
	handler := RequireStaff(ts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(handler, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.Name != "front-desk" || got.Role != model.RoleStaff {
		t.Errorf("auth context = %+v", got)
	}
}

func TestRequireStaffRevokedToken(t *testing.T) {
	ts := setupTokenStore(t)
	tok, created, err := ts.Create(context.Background(), "temp", model.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.Revoke(context.Background(), created.ID); err != nil {
		t.Fatal(err)
	}
	handler := RequireStaff(ts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))
	if rec := serve(handler, tok); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireMutate(t *testing.T) {
	ts := setupTokenStore(t)
	handler := RequireStaff(ts)(RequireMutate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		role string
		want int
	}{
		{model.RoleAdmin, http.StatusNoContent},
		{model.RoleStaff, http.StatusNoContent},
		{model.RoleViewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		tok := createToken(t, ts, "user-"+tt.role, tt.role)
		if rec := serve(handler, tok); rec.Code != tt.want {
			t.Errorf("role %s: status = %d, want %d", tt.role, rec.Code, tt.want)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{Role: model.RoleStaff}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestRequestLoggerCountsRequests(t *testing.T) {
	m := metrics.New()
	handler := RequestLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(scrape.Body)
	if !strings.Contains(string(body), `hotelkey_http_requests_total{method="GET",status="4xx"} 1`) {
		t.Errorf("request not counted:\n%s", body)
	}
}
