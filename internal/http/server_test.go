package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaibhavgarg25/dashboard/internal/cache"
	"github.com/vaibhavgarg25/dashboard/internal/config"
	"github.com/vaibhavgarg25/dashboard/internal/dashboard"
	"github.com/vaibhavgarg25/dashboard/internal/db"
	"github.com/vaibhavgarg25/dashboard/internal/repository"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("DASHBOARD_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("DASHBOARD_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	if err := db.Migrate(context.Background(), pool); err != nil {
		t.Fatalf("migrate error: %v", err)
	}
	return pool
}

func newTestApp(t *testing.T, pool *pgxpool.Pool) *httptest.Server {
	cfg := config.Config{
		JWTSecret:      "test-secret",
		JWTIssuer:      "test-issuer",
		AccessTokenTTL: 15 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewStore(pool)
	server := NewServer(cfg, store, dashboard.New(store), cache.NewDashboard(nil, 0, logger), logger)
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return app
}

func doJSON(t *testing.T, method, url, token string, body interface{}, out interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode error: %v", err)
		}
	}
	return resp
}

func uniqueEmail(prefix string) string {
	return prefix + "." + time.Now().Format("150405.000000") + "@example.local"
}

type userView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Role      string  `json:"role"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatarUrl"`
	CreatedAt string  `json:"createdAt"`
}

type authResult struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

func TestSignupLoginDashboardFlow(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	email := uniqueEmail("student")

	var signup authResult
	resp := doJSON(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]string{
		"name":     "Flow Student",
		"email":    email,
		"password": "dev-password",
		"role":     "STUDENT",
	}, &signup)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if signup.Token == "" || signup.User.Role != "STUDENT" {
		t.Fatalf("unexpected signup payload: %+v", signup)
	}

	// Duplicate email conflicts.
	resp = doJSON(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]string{
		"name":     "Dup",
		"email":    email,
		"password": "dev-password",
		"role":     "STUDENT",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", resp.StatusCode)
	}

	var login authResult
	resp = doJSON(t, http.MethodPost, app.URL+"/auth/login", "", map[string]string{
		"email":    email,
		"password": "dev-password",
	}, &login)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 login, got %d", resp.StatusCode)
	}
	if login.User.ID != signup.User.ID {
		t.Fatalf("login returned a different user")
	}

	var data dashboard.Data
	resp = doJSON(t, http.MethodGet, app.URL+"/dashboard", login.Token, nil, &data)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 dashboard, got %d", resp.StatusCode)
	}

	found := false
	for _, user := range data.Users {
		if user.ID == signup.User.ID {
			found = true
		}
		if user.Role != "STUDENT" {
			t.Fatalf("student viewer received %s record", user.Role)
		}
	}
	if !found {
		t.Fatalf("new user missing from dashboard listing")
	}

	today := time.Now().UTC().Format("2006-01-02")
	todayCount := -1
	for _, point := range data.Trend {
		if point.Date == today {
			todayCount = point.Signups
		}
	}
	if todayCount < 1 {
		t.Fatalf("expected today's trend bucket to count the signup, got %d", todayCount)
	}

	// The q filter narrows the listing to matching name/email.
	var filtered dashboard.Data
	resp = doJSON(t, http.MethodGet, app.URL+"/dashboard?q="+url.QueryEscape(email), login.Token, nil, &filtered)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 filtered dashboard, got %d", resp.StatusCode)
	}
	if len(filtered.Users) != 1 || filtered.Users[0].ID != signup.User.ID {
		t.Fatalf("expected the q filter to isolate the new user, got %+v", filtered.Users)
	}

	// LIKE metacharacters are matched literally, not as wildcards.
	resp = doJSON(t, http.MethodGet, app.URL+"/dashboard?q="+url.QueryEscape("%"), login.Token, nil, &filtered)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, user := range filtered.Users {
		if user.ID == signup.User.ID {
			t.Fatalf("a literal %% query must not match %s", user.Email)
		}
	}
}

func TestEmailMatchingIsCaseSensitive(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	email := uniqueEmail("Upper.Case")
	resp := doJSON(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]string{
		"name":     "Case Sensitive",
		"email":    email,
		"password": "dev-password",
		"role":     "STUDENT",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	// Login with a different casing finds no account.
	resp = doJSON(t, http.MethodPost, app.URL+"/auth/login", "", map[string]string{
		"email":    strings.ToLower(email),
		"password": "dev-password",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for re-cased email, got %d", resp.StatusCode)
	}

	// The stored casing logs in.
	resp = doJSON(t, http.MethodPost, app.URL+"/auth/login", "", map[string]string{
		"email":    email,
		"password": "dev-password",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for exact email, got %d", resp.StatusCode)
	}

	// A signup differing only in case is a distinct address.
	resp = doJSON(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]string{
		"name":     "Other Casing",
		"email":    strings.ToLower(email),
		"password": "dev-password",
		"role":     "STUDENT",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for re-cased signup, got %d", resp.StatusCode)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	email := uniqueEmail("teacher")
	resp := doJSON(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]string{
		"name":     "Known Teacher",
		"email":    email,
		"password": "right-password",
		"role":     "TEACHER",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	readBody := func(resp *http.Response) string {
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		return string(raw)
	}

	wrongPassword := doJSON(t, http.MethodPost, app.URL+"/auth/login", "", map[string]string{
		"email":    email,
		"password": "wrong-password",
	}, nil)
	unknownEmail := doJSON(t, http.MethodPost, app.URL+"/auth/login", "", map[string]string{
		"email":    uniqueEmail("ghost"),
		"password": "whatever",
	}, nil)

	if wrongPassword.StatusCode != http.StatusUnauthorized || unknownEmail.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for both failures, got %d and %d", wrongPassword.StatusCode, unknownEmail.StatusCode)
	}
	if readBody(wrongPassword) != readBody(unknownEmail) {
		t.Fatalf("expected identical error bodies for both login failures")
	}
}

func TestUpdateProfilePatchesOnlySuppliedFields(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	email := uniqueEmail("admin")
	var signup authResult
	resp := doJSON(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]string{
		"name":     "Original Name",
		"email":    email,
		"password": "dev-password",
		"role":     "ADMIN",
	}, &signup)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var updated authResult
	resp = doJSON(t, http.MethodPatch, app.URL+"/users/me", signup.Token, map[string]string{
		"bio": "Runs the place.",
	}, &updated.User)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if updated.User.Name != "Original Name" || updated.User.Email != email {
		t.Fatalf("untouched fields changed: %+v", updated.User)
	}
	if updated.User.Bio == nil || *updated.User.Bio != "Runs the place." {
		t.Fatalf("bio not applied: %+v", updated.User.Bio)
	}
	if updated.User.Role != "ADMIN" {
		t.Fatalf("role must never change via profile update, got %s", updated.User.Role)
	}
	if updated.User.CreatedAt != signup.User.CreatedAt {
		t.Fatalf("createdAt must be immutable, got %s then %s", signup.User.CreatedAt, updated.User.CreatedAt)
	}

	// Login with the original password still works.
	resp = doJSON(t, http.MethodPost, app.URL+"/auth/login", "", map[string]string{
		"email":    email,
		"password": "dev-password",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected password to survive profile update, got %d", resp.StatusCode)
	}
}

func TestUpdateProfileClearsBioWithExplicitNull(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	email := uniqueEmail("clearing")
	var signup authResult
	resp := doJSON(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]string{
		"name":     "Clears Bio",
		"email":    email,
		"password": "dev-password",
		"role":     "TEACHER",
	}, &signup)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var updated userView
	resp = doJSON(t, http.MethodPatch, app.URL+"/users/me", signup.Token, map[string]interface{}{
		"bio":       "Temporary bio.",
		"avatarUrl": "https://example.local/a.png",
	}, &updated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if updated.Bio == nil || updated.AvatarURL == nil {
		t.Fatalf("expected bio and avatarUrl to be set: %+v", updated)
	}

	// An explicit null clears the field; omitted fields stay.
	resp = doJSON(t, http.MethodPatch, app.URL+"/users/me", signup.Token, map[string]interface{}{
		"bio": nil,
	}, &updated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if updated.Bio != nil {
		t.Fatalf("expected bio cleared, got %q", *updated.Bio)
	}
	if updated.AvatarURL == nil || *updated.AvatarURL != "https://example.local/a.png" {
		t.Fatalf("avatarUrl must survive a bio-only patch: %+v", updated.AvatarURL)
	}
	if updated.Name != "Clears Bio" {
		t.Fatalf("name must survive a bio-only patch, got %q", updated.Name)
	}
}

func TestMeReturnsNullForAnonymous(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	resp, err := http.Get(app.URL + "/auth/me")
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(bytes.TrimSpace(raw)) != "null" {
		t.Fatalf("expected null body, got %s", raw)
	}
}
