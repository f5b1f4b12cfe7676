package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PostgresConfig struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	QueryTimeout      time.Duration
}

// OpenPool creates a pgx pool from cfg and pings it.
func OpenPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		pcfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(hctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

const (
	qSelectByUser = `
SELECT id, user_id, rt_hash, issued_at, expires_at, rotated_from, revoked_at, ip, ua
FROM sessions
WHERE user_id = $1
ORDER BY issued_at DESC;
`
	qInsert = `
INSERT INTO sessions (id, user_id, rt_hash, issued_at, expires_at, rotated_from, revoked_at, ip, ua)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	qRevokeOne = `
UPDATE sessions SET revoked_at = $3
WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL;
`
	qExists = `
SELECT revoked_at IS NOT NULL FROM sessions WHERE id = $1 AND user_id = $2;
`
	qRevokeAll = `
UPDATE sessions SET revoked_at = $2
WHERE user_id = $1 AND revoked_at IS NULL;
`
	qSweep = `
UPDATE sessions SET revoked_at = $1
WHERE id IN (
  SELECT id FROM sessions
  WHERE revoked_at IS NULL AND expires_at <= $1
  ORDER BY expires_at
  LIMIT $2
  FOR UPDATE SKIP LOCKED
);
`
)

// PostgresStore keeps records in the sessions table created by the embedded
// migrations.
type PostgresStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	log          *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, queryTimeout time.Duration, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresStore{pool: pool, queryTimeout: queryTimeout, log: log}
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

type execQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (txErr error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}

	defer func() {
		if txErr != nil {
			if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				s.log.Error("session tx rollback", zap.Error(err))
			}
			return
		}
		if err := tx.Commit(ctx); err != nil {
			s.log.Error("session tx commit", zap.Error(err))
			txErr = fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
		}
	}()

	return fn(tx)
}

func (s *PostgresStore) FindByUser(ctx context.Context, userID string) ([]Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, qSelectByUser, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: find sessions: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.RTHash, &r.IssuedAt, &r.ExpiresAt, &r.RotatedFrom, &r.RevokedAt, &r.IP, &r.UserAgent); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: find sessions: %v", ErrUnavailable, err)
	}
	return records, nil
}

func insertRecord(ctx context.Context, q execQueryer, rec Record) error {
	_, err := q.Exec(ctx, qInsert,
		rec.ID, rec.UserID, rec.RTHash, rec.IssuedAt, rec.ExpiresAt,
		rec.RotatedFrom, rec.RevokedAt, rec.IP, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (string, error) {
	rec, err := prepareInsert(rec)
	if err != nil {
		return "", err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := insertRecord(ctx, s.pool, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// revokeOne applies the compare-and-swap on revoked_at. It reports
// ErrAlreadyRevoked or ErrNotFound when no row was updated.
func revokeOne(ctx context.Context, q execQueryer, userID, id string, at time.Time) error {
	tag, err := q.Exec(ctx, qRevokeOne, id, userID, at)
	if err != nil {
		return fmt.Errorf("%w: revoke session: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var revoked bool
	if err := q.QueryRow(ctx, qExists, id, userID).Scan(&revoked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: revoke session: %v", ErrUnavailable, err)
	}
	return ErrAlreadyRevoked
}

func (s *PostgresStore) Revoke(ctx context.Context, userID, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := revokeOne(ctx, s.pool, userID, id, at)
	if errors.Is(err, ErrAlreadyRevoked) {
		return nil
	}
	return err
}

func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, qRevokeAll, userID, at)
	if err != nil {
		return 0, fmt.Errorf("%w: revoke all sessions: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Rotate(ctx context.Context, old Record, at time.Time, next Record) (string, error) {
	next.UserID = old.UserID
	next.RevokedAt = nil
	parent := old.ID
	next.RotatedFrom = &parent
	next, err := prepareInsert(next)
	if err != nil {
		return "", err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if err := revokeOne(ctx, tx, old.UserID, old.ID, at); err != nil {
			return err
		}
		return insertRecord(ctx, tx, next)
	})
	if err != nil {
		return "", err
	}
	return next.ID, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, qSweep, now, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep sessions: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
