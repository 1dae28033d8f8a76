package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestIdentity_MintsCookie(t *testing.T) {
	var seen string
	handler := Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r)
	}))

	req := httptest.NewRequest("GET", "/access/kurofune", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen == "" {
		t.Fatal("Expected a visitor ID on the request context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("Expected a UUID visitor ID, got %q", seen)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Expected one Set-Cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CookieName {
		t.Errorf("Expected cookie %s, got %s", CookieName, c.Name)
	}
	if c.Value != seen {
		t.Errorf("Cookie value %q does not match context ID %q", c.Value, seen)
	}
	if c.MaxAge != cookieMaxAge {
		t.Errorf("Expected MaxAge %d, got %d", cookieMaxAge, c.MaxAge)
	}
}

func TestIdentity_KeepsExistingCookie(t *testing.T) {
	var seen string
	handler := Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r)
	}))

	req := httptest.NewRequest("GET", "/access/kurofune", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "existing-visitor"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen != "existing-visitor" {
		t.Errorf("Expected existing-visitor, got %q", seen)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("Expected no Set-Cookie for a returning visitor")
	}
}

func TestUserID_WithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if id := UserID(req); id != "" {
		t.Errorf("Expected empty ID without middleware, got %q", id)
	}
}
