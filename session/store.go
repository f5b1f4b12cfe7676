package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no record matches the given user and id.
	ErrNotFound = errors.New("session: not found")
	// ErrAlreadyRevoked is returned by Rotate when the presented record was
	// revoked before this call could revoke it.
	ErrAlreadyRevoked = errors.New("session: already revoked")
	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("session: store unavailable")
)

// Store is the persistence contract used by the rotation engine. Every
// operation is scoped by user id.
type Store interface {
	FindByUser(ctx context.Context, userID string) ([]Record, error)
	// Insert persists rec and returns its id, generating one when rec.ID is
	// empty.
	Insert(ctx context.Context, rec Record) (string, error)
	// Revoke sets revoked_at on a single record. Revoking an already revoked
	// record is a no-op.
	Revoke(ctx context.Context, userID, id string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	// Rotate revokes old and inserts next with RotatedFrom set to old.ID,
	// atomically. It returns the id of next.
	Rotate(ctx context.Context, old Record, at time.Time, next Record) (string, error)
	// SweepExpired revokes up to limit unrevoked records whose expiry is at or
	// before now.
	SweepExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	Ping(ctx context.Context) (time.Duration, error)
}

func prepareInsert(rec Record) (Record, error) {
	if rec.UserID == "" {
		return rec, errors.New("session: user id is required")
	}
	if rec.RTHash == "" {
		return rec, errors.New("session: rt hash is required")
	}
	if !rec.ExpiresAt.After(rec.IssuedAt) {
		return rec, errors.New("session: expiry must be after issue time")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return rec, nil
}
