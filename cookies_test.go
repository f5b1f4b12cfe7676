package authgate

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func cookieByName(t *testing.T, resp *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}

func TestEngineCookies(t *testing.T) {
	h := newHarness(t)
	g := h.login(t, "u1", false)

	rec := httptest.NewRecorder()
	for _, c := range h.engine.Cookies(g) {
		http.SetCookie(rec, c.HTTP())
	}
	resp := rec.Result()

	at := cookieByName(t, resp, "propono_at")
	if !at.HttpOnly || !at.Secure || at.SameSite != http.SameSiteLaxMode || at.Path != "/" {
		t.Fatalf("unexpected access cookie %+v", at)
	}
	if at.MaxAge != int((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected access max-age %d", at.MaxAge)
	}
	rt := cookieByName(t, resp, "propono_rt")
	if !rt.HttpOnly || rt.Value != g.RefreshToken || rt.MaxAge != int((24*time.Hour).Seconds()) {
		t.Fatalf("unexpected refresh cookie %+v", rt)
	}
	xsrf := cookieByName(t, resp, "XSRF-TOKEN")
	if xsrf.HttpOnly {
		t.Fatal("csrf cookie must be readable by scripts")
	}
	if !h.engine.CSRF().Verify(g.CSRF.Value, xsrf.Value) {
		t.Fatal("csrf cookie must verify against the issued token")
	}
}

func TestClearCookies(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	for _, c := range h.engine.ClearCookies() {
		http.SetCookie(rec, c.HTTP())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 3 {
		t.Fatalf("expected 3 deletions, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("expected deletion, got %+v", c)
		}
	}
}

func TestCookieWriterAttachesOnFirstWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewCookieWriter(rec)
	w.Set(Cookie{Name: "a", Value: "1", MaxAge: time.Minute})
	w.Set(Cookie{Name: "a", Value: "2", MaxAge: time.Minute})
	w.Set(Cookie{Name: "b", Value: "3", MaxAge: time.Minute})

	w.WriteHeader(http.StatusUnauthorized)
	w.Set(Cookie{Name: "late", Value: "x"})
	_, _ = w.Write([]byte("{}"))

	cookies := rec.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(cookies))
	}
	if cookies[0].Name != "a" || cookies[0].Value != "2" {
		t.Fatalf("later Set must replace earlier, got %+v", cookies[0])
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestCookieWriterCloseWithoutBody(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewCookieWriter(rec)
	if NewCookieWriter(w) != w {
		t.Fatal("wrapping a CookieWriter again must return it")
	}
	w.Set(Cookie{Name: "a", Value: "1", MaxAge: -1})
	w.Close()

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected one deletion cookie, got %+v", cookies)
	}
}

func TestCookieSubSecondMaxAgeRoundsUp(t *testing.T) {
	c := Cookie{Name: "a", MaxAge: 300 * time.Millisecond}.HTTP()
	if c.MaxAge != 1 {
		t.Fatalf("expected max-age 1, got %d", c.MaxAge)
	}
}
