// Package postgres stores follower snapshots in Postgres.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/followlytics/followlytics/internal/followlytics"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool used here; pgxmock implements it too.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

var followerColumns = []string{
	"scan_id",
	"position",
	"follower_id",
	"username",
	"display_name",
	"description",
	"followers_count",
	"following_count",
	"verified",
	"avatar_url",
}

// SnapshotStore implements followlytics.SnapshotStore.
type SnapshotStore struct {
	pool pool
}

// NewSnapshotStore connects to Postgres using cfg.
func NewSnapshotStore(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SnapshotStore{pool: p}, nil
}

// NewSnapshotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSnapshotStoreWithPool(p pool) (*SnapshotStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SnapshotStore{pool: p}, nil
}

// Migrate creates the snapshot tables if they do not exist.
func (s *SnapshotStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveSnapshot writes the snapshot header and replaces its follower rows in one transaction.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap followlytics.Snapshot) (err error) {
	if snap.ScanID == "" {
		return fmt.Errorf("scan id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
INSERT INTO snapshots (scan_id, uid, target, taken_at, follower_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (scan_id) DO UPDATE
SET taken_at = EXCLUDED.taken_at, follower_count = EXCLUDED.follower_count`,
		snap.ScanID, snap.UID, snap.Target, snap.TakenAt, len(snap.Followers))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	if _, err = tx.Exec(ctx, `DELETE FROM snapshot_followers WHERE scan_id = $1`, snap.ScanID); err != nil {
		return fmt.Errorf("clear snapshot followers: %w", err)
	}

	rows := make([][]any, 0, len(snap.Followers))
	for i, f := range snap.Followers {
		rows = append(rows, []any{
			snap.ScanID, i, f.ID, f.Username, f.DisplayName, f.Description,
			f.FollowersCount, f.FollowingCount, f.Verified, f.AvatarURL,
		})
	}
	if len(rows) > 0 {
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{"snapshot_followers"}, followerColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy snapshot followers: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads the snapshot of scanID with followers in extraction order.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, scanID string) (followlytics.Snapshot, error) {
	snap := followlytics.Snapshot{ScanID: scanID}
	err := s.pool.QueryRow(ctx,
		`SELECT uid, target, taken_at FROM snapshots WHERE scan_id = $1`, scanID,
	).Scan(&snap.UID, &snap.Target, &snap.TakenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return followlytics.Snapshot{}, fmt.Errorf("snapshot %s: %w", scanID, followlytics.ErrNotFound)
		}
		return followlytics.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT follower_id, username, display_name, description, followers_count, following_count, verified, avatar_url
FROM snapshot_followers
WHERE scan_id = $1
ORDER BY position`, scanID)
	if err != nil {
		return followlytics.Snapshot{}, fmt.Errorf("list snapshot followers: %w", err)
	}
	defer rows.Close()

	snap.Followers = make([]followlytics.Follower, 0)
	for rows.Next() {
		var f followlytics.Follower
		if err := rows.Scan(
			&f.ID,
			&f.Username,
			&f.DisplayName,
			&f.Description,
			&f.FollowersCount,
			&f.FollowingCount,
			&f.Verified,
			&f.AvatarURL,
		); err != nil {
			return followlytics.Snapshot{}, fmt.Errorf("scan follower row: %w", err)
		}
		snap.Followers = append(snap.Followers, f)
	}
	if err := rows.Err(); err != nil {
		return followlytics.Snapshot{}, fmt.Errorf("iterate follower rows: %w", err)
	}
	return snap, nil
}

// PreviousSnapshot returns the newest snapshot of target for uid taken before the given time.
func (s *SnapshotStore) PreviousSnapshot(
	ctx context.Context,
	uid, target string,
	before time.Time,
) (followlytics.Snapshot, error) {
	var scanID string
	err := s.pool.QueryRow(ctx, `
SELECT scan_id FROM snapshots
WHERE uid = $1 AND target = $2 AND taken_at < $3
ORDER BY taken_at DESC
LIMIT 1`, uid, target, before).Scan(&scanID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return followlytics.Snapshot{}, fmt.Errorf("previous snapshot of %s: %w", target, followlytics.ErrNotFound)
		}
		return followlytics.Snapshot{}, fmt.Errorf("find previous snapshot: %w", err)
	}
	return s.GetSnapshot(ctx, scanID)
}
