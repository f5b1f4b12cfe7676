package password

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Backend computes raw Argon2 digests. Implementations must produce identical
// output for identical inputs so that encoded hashes stay portable between
// them.
type Backend interface {
	Name() string
	Supports(v Variant, ver Version) bool
	Key(secret, salt []byte, p Params) ([]byte, error)
}

// XCryptoBackend delegates to golang.org/x/crypto/argon2, which carries
// assembly-optimized block compression. It only implements version 0x13 of
// argon2i and argon2id.
type XCryptoBackend struct{}

func (XCryptoBackend) Name() string { return "x/crypto" }

func (XCryptoBackend) Supports(v Variant, ver Version) bool {
	return ver == Version13 && (v == Argon2i || v == Argon2id)
}

func (b XCryptoBackend) Key(secret, salt []byte, p Params) ([]byte, error) {
	if !b.Supports(p.Variant, p.Version) {
		return nil, fmt.Errorf("%w: %s v=%d on %s", ErrUnsupportedAlgorithm, p.Variant, p.Version, b.Name())
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Variant == Argon2i {
		return argon2.Key(secret, salt, p.Time, p.Memory, p.Parallelism, p.KeyLength), nil
	}
	return argon2.IDKey(secret, salt, p.Time, p.Memory, p.Parallelism, p.KeyLength), nil
}

// DefaultBackends lists the optimized backend first and the reference
// implementation as fallback.
func DefaultBackends() []Backend {
	return []Backend{XCryptoBackend{}, ReferenceBackend{}}
}

var selfTestParams = Params{
	Variant:     Argon2id,
	Version:     Version13,
	Memory:      8,
	Time:        1,
	Parallelism: 1,
	KeyLength:   16,
}

// resolver self-tests the candidate backends once and remembers the result,
// including a total failure, until invalidate is called.
type resolver struct {
	mu         sync.Mutex
	candidates []Backend
	resolved   bool
	healthy    []Backend
	err        error
}

func newResolver(candidates []Backend) *resolver {
	return &resolver{candidates: candidates}
}

func (r *resolver) backends() ([]Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		return r.healthy, r.err
	}

	r.healthy = r.healthy[:0]
	var errs []error
	for _, b := range r.candidates {
		if err := selfTest(b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		r.healthy = append(r.healthy, b)
	}

	r.err = nil
	if len(r.healthy) == 0 {
		r.err = errors.Join(append([]error{ErrBackendUnavailable}, errs...)...)
	}
	r.resolved = true
	return r.healthy, r.err
}

func (r *resolver) pick(p Params) (Backend, error) {
	healthy, err := r.backends()
	if err != nil {
		return nil, err
	}
	for _, b := range healthy {
		if b.Supports(p.Variant, p.Version) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no backend supports %s v=%d", ErrBackendUnavailable, p.Variant, p.Version)
}

func (r *resolver) invalidate() {
	r.mu.Lock()
	r.resolved = false
	r.healthy = nil
	r.err = nil
	r.mu.Unlock()
}

// selfTest runs a tiny computation twice and checks that the backend is stable.
func selfTest(b Backend) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("self-test panicked: %v", rec)
		}
	}()

	p := selfTestParams
	found := false
	for _, v := range []Variant{Argon2id, Argon2i, Argon2d} {
		for _, ver := range []Version{Version13, Version10} {
			if !found && b.Supports(v, ver) {
				p.Variant, p.Version, found = v, ver, true
			}
		}
	}
	if !found {
		return errors.New("backend supports no argon2 variant")
	}

	salt := []byte("authgate-self-test-salt")
	first, err := b.Key([]byte("self-test"), salt, p)
	if err != nil {
		return err
	}
	second, err := b.Key([]byte("self-test"), salt, p)
	if err != nil {
		return err
	}
	if len(first) != int(p.KeyLength) || !bytes.Equal(first, second) {
		return errors.New("self-test produced unstable output")
	}
	return nil
}
