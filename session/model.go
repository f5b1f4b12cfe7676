package session

import "time"

// Record is one issued refresh-token lineage step. Only RevokedAt changes
// after insertion.
type Record struct {
	ID          string
	UserID      string
	RTHash      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RotatedFrom *string
	RevokedAt   *time.Time

	// advisory only
	IP        string
	UserAgent string
}

// Live reports whether the record is unrevoked and not yet expired at now.
func (r Record) Live(now time.Time) bool {
	return r.RevokedAt == nil && r.ExpiresAt.After(now)
}

// Revoked reports whether revoked_at has been set.
func (r Record) Revoked() bool {
	return r.RevokedAt != nil
}

// Lifetime is the validity window the record was issued with.
func (r Record) Lifetime() time.Duration {
	return r.ExpiresAt.Sub(r.IssuedAt)
}
