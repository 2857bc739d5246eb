package privateapps

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	store := NewSessionStore()

	u := store.Create("Jo", "jo@example.com", "realm-1", map[string]any{"k": "v"}, time.Hour)
	if u.RandomID == "" {
		t.Fatal("session id missing")
	}

	got, ok := store.Get(u.RandomID)
	if !ok || got.Email != "jo@example.com" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	store.Destroy(u.RandomID)
	if _, ok := store.Get(u.RandomID); ok {
		t.Error("destroyed session still resolvable")
	}
}

func TestSessionExpiry(t *testing.T) {
	store := NewSessionStore()
	u := store.Create("Jo", "jo@example.com", "r", nil, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := store.Get(u.RandomID); ok {
		t.Error("expired session still resolvable")
	}
	if store.Len() != 0 {
		t.Error("expired session not removed on read")
	}
}

func TestSessionFromRequest(t *testing.T) {
	store := NewSessionStore()
	u := store.Register("external-id", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName("myapp"), Value: u.RandomID})

	got, ok := store.SessionFromRequest(req, "myapp")
	if !ok || got.RandomID != "external-id" {
		t.Errorf("SessionFromRequest = %+v, %v", got, ok)
	}

	if _, ok := store.SessionFromRequest(req, "otherapp"); ok {
		t.Error("cookie for another suffix should not resolve")
	}
}

func TestNewSessionCookie(t *testing.T) {
	c := NewSessionCookie("myapp", "sid", "oto.tools", 2*time.Hour)
	if c.Name != "oto-papps-myapp" {
		t.Errorf("cookie name = %s", c.Name)
	}
	if c.MaxAge != 7200 {
		t.Errorf("max age = %d", c.MaxAge)
	}
	if !c.HttpOnly {
		t.Error("session cookie must be http-only")
	}
}
