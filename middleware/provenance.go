package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/propono/authgate"
)

// originAllowList holds scheme://host forms accepted for mutating requests.
// Both http and https variants of the app host are accepted because TLS may
// terminate at a proxy that rewrites the scheme.
type originAllowList map[string]struct{}

func newOriginAllowList(appOrigin string) (originAllowList, error) {
	u, err := url.Parse(strings.TrimSpace(appOrigin))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("app origin %q is not an absolute URL", appOrigin)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("app origin must use http or https")
	}
	host := strings.ToLower(u.Host)
	return originAllowList{
		"http://" + host:  {},
		"https://" + host: {},
	}, nil
}

func (l originAllowList) allows(origin string) bool {
	_, ok := l[origin]
	return ok
}

// requestOrigin returns the normalized scheme://host of the Origin header,
// falling back to the Referer. Empty means neither is usable.
func requestOrigin(r *http.Request) string {
	raw := r.Header.Get("Origin")
	if raw == "" || raw == "null" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" || raw == "null" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

var (
	allowedFetchSite = map[string]bool{"same-origin": true, "same-site": true, "none": true}
	allowedFetchMode = map[string]bool{"cors": true, "same-origin": true, "navigate": true}
	allowedFetchDest = map[string]bool{"empty": true, "document": true, "iframe": true, "nested-document": true}
)

func (g *Gate) checkProvenance(r *http.Request) error {
	origin := requestOrigin(r)
	if origin == "" {
		return fmt.Errorf("%w: no origin or referer", authgate.ErrOriginNotAllowed)
	}
	if !g.origins.allows(origin) {
		return fmt.Errorf("%w: %s", authgate.ErrOriginNotAllowed, origin)
	}

	if err := checkFetchHeader(r, "Sec-Fetch-Site", allowedFetchSite); err != nil {
		return err
	}
	if err := checkFetchHeader(r, "Sec-Fetch-Mode", allowedFetchMode); err != nil {
		return err
	}
	return checkFetchHeader(r, "Sec-Fetch-Dest", allowedFetchDest)
}

// checkFetchHeader tolerates an absent header; older clients do not send
// fetch metadata.
func checkFetchHeader(r *http.Request, name string, allowed map[string]bool) error {
	v := r.Header.Get(name)
	if v == "" {
		return nil
	}
	if !allowed[strings.ToLower(strings.TrimSpace(v))] {
		return fmt.Errorf("%w: %s=%s", authgate.ErrOriginNotAllowed, name, v)
	}
	return nil
}
