package authgate

import (
	"net/http"
	"time"
)

// Cookie describes one Set-Cookie instruction. A negative MaxAge deletes the
// cookie.
type Cookie struct {
	Name     string
	Value    string
	Path     string
	Domain   string
	MaxAge   time.Duration
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// HTTP converts c for http.SetCookie.
func (c Cookie) HTTP() *http.Cookie {
	maxAge := -1
	if c.MaxAge >= 0 {
		maxAge = int(c.MaxAge / time.Second)
		if maxAge == 0 && c.MaxAge > 0 {
			maxAge = 1
		}
	}
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	}
}

// Cookies returns the access, refresh and CSRF cookies for g. Only the CSRF
// cookie is readable by scripts.
func (e *Engine) Cookies(g *Grant) []Cookie {
	cc := e.config.Cookies
	return []Cookie{
		e.cookie(cc.AccessName, g.AccessToken, g.AccessMaxAge, true),
		e.cookie(cc.RefreshName, g.RefreshToken, g.RefreshMaxAge, true),
		e.cookie(cc.CSRFName, g.CSRF.CookieValue, g.RefreshMaxAge, false),
	}
}

// ClearCookies returns deletions for all three auth cookies.
func (e *Engine) ClearCookies() []Cookie {
	cc := e.config.Cookies
	return []Cookie{
		e.cookie(cc.AccessName, "", -1, true),
		e.cookie(cc.RefreshName, "", -1, true),
		e.cookie(cc.CSRFName, "", -1, false),
	}
}

func (e *Engine) cookie(name, value string, maxAge time.Duration, httpOnly bool) Cookie {
	cc := e.config.Cookies
	return Cookie{
		Name:     name,
		Value:    value,
		Path:     cc.Path,
		Domain:   cc.Domain,
		MaxAge:   maxAge,
		HTTPOnly: httpOnly,
		Secure:   cc.Secure,
		SameSite: cc.SameSite,
	}
}

// CookieWriter queues cookies and attaches them when the response header is
// first written, so every exit path of a handler carries them. Cookies set
// after the header has gone out are dropped.
type CookieWriter struct {
	http.ResponseWriter
	pending     []Cookie
	wroteHeader bool
}

func NewCookieWriter(w http.ResponseWriter) *CookieWriter {
	if cw, ok := w.(*CookieWriter); ok {
		return cw
	}
	return &CookieWriter{ResponseWriter: w}
}

// Set queues cookies. A later cookie with the same name replaces an earlier one.
func (w *CookieWriter) Set(cookies ...Cookie) {
	if w.wroteHeader {
		return
	}
	for _, c := range cookies {
		replaced := false
		for i := range w.pending {
			if w.pending[i].Name == c.Name {
				w.pending[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			w.pending = append(w.pending, c)
		}
	}
}

func (w *CookieWriter) WriteHeader(code int) {
	w.commit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *CookieWriter) Write(b []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher when the underlying writer does.
func (w *CookieWriter) Flush() {
	w.commit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Close attaches pending cookies to the header for handlers that return
// without writing anything.
func (w *CookieWriter) Close() {
	w.commit()
}

func (w *CookieWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *CookieWriter) commit() {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	for _, c := range w.pending {
		http.SetCookie(w.ResponseWriter, c.HTTP())
	}
	w.pending = nil
}
