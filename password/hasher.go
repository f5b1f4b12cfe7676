package password

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Hasher produces and verifies PHC-encoded Argon2 hashes. It is safe for
// concurrent use.
type Hasher struct {
	defaults Params
	resolver *resolver
	log      *zap.Logger
	rand     io.Reader
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithBackends replaces the candidate backends, in preference order.
func WithBackends(backends ...Backend) Option {
	return func(h *Hasher) {
		h.resolver = newResolver(backends)
	}
}

// WithLogger sets the logger used to report verification failures.
func WithLogger(log *zap.Logger) Option {
	return func(h *Hasher) {
		if log != nil {
			h.log = log
		}
	}
}

// WithRandom overrides the salt source.
func WithRandom(r io.Reader) Option {
	return func(h *Hasher) {
		if r != nil {
			h.rand = r
		}
	}
}

// NewHasher validates defaults and returns a Hasher. Backends are not self-tested
// until the first Hash or Verify call.
func NewHasher(defaults Params, opts ...Option) (*Hasher, error) {
	defaults = defaults.withDefaults(DefaultParams())
	if err := defaults.validate(); err != nil {
		return nil, err
	}

	h := &Hasher{
		defaults: defaults,
		resolver: newResolver(DefaultBackends()),
		log:      zap.NewNop(),
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Defaults returns the parameters used by HashDefault.
func (h *Hasher) Defaults() Params {
	return h.defaults
}

// HashDefault hashes secret with the hasher's default parameters.
func (h *Hasher) HashDefault(secret []byte) (string, error) {
	return h.Hash(secret, h.defaults)
}

// Hash derives a digest for secret and returns it as a PHC string. Zero
// fields in p fall back to the hasher defaults. Unlike Verify, Hash reports
// every failure, including the absence of a usable backend.
func (h *Hasher) Hash(secret []byte, p Params) (string, error) {
	p = p.withDefaults(h.defaults)
	if err := p.validate(); err != nil {
		return "", err
	}

	salt := p.Salt
	if salt == nil {
		salt = make([]byte, p.SaltLength)
		if _, err := io.ReadFull(h.rand, salt); err != nil {
			return "", fmt.Errorf("password: read salt: %w", err)
		}
	}

	backend, err := h.resolver.pick(p)
	if err != nil {
		return "", err
	}

	digest, err := safeKey(backend, secret, salt, p)
	if err != nil {
		return "", fmt.Errorf("password: %s backend: %w", backend.Name(), err)
	}

	return encodePHC(p, salt, digest), nil
}

// Verify reports whether secret matches encoded. The parameters embedded in
// encoded are used as-is. Any failure, including a malformed string or a
// missing backend, yields false.
func (h *Hasher) Verify(encoded string, secret []byte) bool {
	parsed, err := parsePHC(encoded)
	if err != nil {
		h.log.Warn("password verify: unparseable hash", zap.Error(err), zap.Int("encoded_len", len(encoded)))
		return false
	}

	backend, err := h.resolver.pick(parsed.params)
	if err != nil {
		h.log.Error("password verify: backend unavailable", zap.Error(err))
		return false
	}

	computed, err := safeKey(backend, secret, parsed.params.Salt, parsed.params)
	if err != nil {
		h.log.Warn("password verify: derive failed", zap.String("backend", backend.Name()), zap.Error(err))
		return false
	}

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1
}

// InvalidateBackend drops the cached backend resolution so the next call
// self-tests the candidates again.
func (h *Hasher) InvalidateBackend() {
	h.resolver.invalidate()
}

func safeKey(b Backend, secret, salt []byte, p Params) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrBackendUnavailable, b.Name(), rec)
		}
	}()
	return b.Key(secret, salt, p)
}
