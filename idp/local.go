package idp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/propono/authgate/jwt"
)

// LocalConfig configures Local.
type LocalConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// ReuseInterval lets a spent refresh token be exchanged again for a short
	// while, as GoTrue does for concurrent tabs. Zero makes tokens strictly
	// single use.
	ReuseInterval time.Duration
	// Providers is returned verbatim by ProviderStatus.
	Providers map[string]bool
}

// Local is an in-process identity provider. Refresh tokens and auth codes are
// single use, as with a real provider.
type Local struct {
	tokens *jwt.Manager
	cfg    LocalConfig
	now    func() time.Time

	mu      sync.Mutex
	users   map[string]User
	codes   map[string]string
	refresh map[string]string
	spent   map[string]time.Time
}

var (
	_ Provider     = (*Local)(nil)
	_ StatusSource = (*Local)(nil)
)

func NewLocal(tokens *jwt.Manager, cfg LocalConfig) *Local {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Local{
		tokens:  tokens,
		cfg:     cfg,
		now:     time.Now,
		users:   make(map[string]User),
		codes:   make(map[string]string),
		refresh: make(map[string]string),
		spent:   make(map[string]time.Time),
	}
}

// SetClock overrides the time source used for issued tokens.
func (l *Local) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// AddUser registers u and returns a one-time auth code for it.
func (l *Local) AddUser(u User) (string, error) {
	code, err := randomHex(16)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[u.ID] = u
	l.codes[code] = u.ID
	return code, nil
}

// IssueCode returns a fresh auth code for an existing user.
func (l *Local) IssueCode(userID string) (string, error) {
	l.mu.Lock()
	_, ok := l.users[userID]
	l.mu.Unlock()
	if !ok {
		return "", ErrNoUser
	}

	code, err := randomHex(16)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.codes[code] = userID
	l.mu.Unlock()
	return code, nil
}

func (l *Local) ExchangeCode(_ context.Context, authCode, _ string) (*TokenResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	userID, ok := l.codes[authCode]
	if !ok {
		return nil, fmt.Errorf("%w: unknown auth code", ErrRejected)
	}
	delete(l.codes, authCode)
	return l.issueLocked(l.users[userID])
}

func (l *Local) RefreshToken(_ context.Context, refreshToken string) (*TokenResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	claims, err := l.tokens.ParseAt(refreshToken, jwt.KindRefresh, l.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	owner, ok := l.refresh[claims.ID]
	switch {
	case ok && owner == claims.Subject:
		delete(l.refresh, claims.ID)
		l.spent[claims.ID] = l.now()
	case l.withinReuseInterval(claims.ID):
	default:
		return nil, fmt.Errorf("%w: refresh token already used", ErrRejected)
	}

	u, ok := l.users[claims.Subject]
	if !ok {
		return nil, ErrNoUser
	}
	return l.issueLocked(u)
}

func (l *Local) withinReuseInterval(jti string) bool {
	at, ok := l.spent[jti]
	return ok && l.cfg.ReuseInterval > 0 && l.now().Sub(at) <= l.cfg.ReuseInterval
}

func (l *Local) GetUser(_ context.Context, accessToken string) (*User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	claims, err := l.tokens.ParseAt(accessToken, jwt.KindAccess, l.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	u, ok := l.users[claims.Subject]
	if !ok {
		return nil, ErrNoUser
	}
	return &u, nil
}

func (l *Local) ProviderStatus(context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(l.cfg.Providers))
	for k, v := range l.cfg.Providers {
		out[k] = v
	}
	return out, nil
}

func (l *Local) issueLocked(u User) (*TokenResponse, error) {
	now := l.now()
	access, _, err := l.tokens.Issue(jwt.KindAccess, u.ID, u.Email, now, l.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, claims, err := l.tokens.Issue(jwt.KindRefresh, u.ID, "", now, l.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	l.refresh[claims.ID] = u.ID

	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(l.cfg.AccessTTL / time.Second),
		TokenType:    "bearer",
		User:         u,
	}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
