package authgate

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propono/authgate/csrf"
	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/password"
	"github.com/propono/authgate/session"
)

// Builder assembles an Engine. A Builder is single use.
type Builder struct {
	config    Config
	store     session.Store
	provider  idp.Provider
	hasher    *password.Hasher
	logger    *zap.Logger
	auditSink AuditSink
	clock     func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	cfg.CSRF.Secret = append([]byte(nil), cfg.CSRF.Secret...)
	b.config = cfg
	return b
}

// WithStore sets the session store. Required.
func (b *Builder) WithStore(store session.Store) *Builder {
	b.store = store
	return b
}

// WithProvider sets the upstream identity provider. Required.
func (b *Builder) WithProvider(p idp.Provider) *Builder {
	b.provider = p
	return b
}

// WithHasher overrides the hasher built from Config.Password.
func (b *Builder) WithHasher(h *password.Hasher) *Builder {
	b.hasher = h
	return b
}

func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.logger = log
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the engine time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.store == nil {
		return nil, fmt.Errorf("%w: session store required", ErrConfig)
	}
	if b.provider == nil {
		return nil, fmt.Errorf("%w: identity provider required", ErrConfig)
	}

	log := b.logger
	if log == nil {
		log = zap.NewNop()
	}

	hasher := b.hasher
	if hasher == nil {
		h, err := password.NewHasher(cfg.Password, password.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		hasher = h
	}

	codec, err := csrf.New(cfg.CSRF.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	b.built = true
	return &Engine{
		config:   cfg,
		store:    b.store,
		provider: b.provider,
		hasher:   hasher,
		csrf:     codec,
		log:      log.Named("engine"),
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink, log.Named("audit_dispatcher")),
		metrics:  NewMetrics(cfg.Metrics),
		clock:    clock,
	}, nil
}
