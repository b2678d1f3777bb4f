package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/visit-tracker/scrape"
)

// PGStore implements scrape.Store on Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a store over db.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

// BeginCycle opens the transaction that spans one scrape cycle.
func (s *PGStore) BeginCycle(ctx context.Context) (scrape.CycleTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &cycleTx{tx: tx}, nil
}

// Reconcile flips the online flag in one transaction. The ids are staged in a temporary
// table filled from a single array parameter and joined against users.
func (s *PGStore) Reconcile(ctx context.Context, activeIDs []int64) (res scrape.ReconcileResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if len(activeIDs) == 0 {
		r, err := tx.ExecContext(ctx, `UPDATE users SET online = FALSE WHERE online`)
		if err != nil {
			return res, fmt.Errorf("mark all offline: %w", err)
		}
		res.TurnedOffline, _ = r.RowsAffected()
		return res, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE active_ids (user_id BIGINT PRIMARY KEY) ON COMMIT DROP`); err != nil {
		return res, fmt.Errorf("create active_ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO active_ids (user_id)
		SELECT DISTINCT id FROM unnest($1::bigint[]) AS t(id) ON CONFLICT DO NOTHING`, activeIDs); err != nil {
		return res, fmt.Errorf("stage active ids: %w", err)
	}
	r, err := tx.ExecContext(ctx, `UPDATE users SET online = TRUE
		WHERE NOT online AND id IN (SELECT user_id FROM active_ids)`)
	if err != nil {
		return res, fmt.Errorf("mark online: %w", err)
	}
	res.TurnedOnline, _ = r.RowsAffected()
	r, err = tx.ExecContext(ctx, `UPDATE users SET online = FALSE
		WHERE online AND NOT EXISTS (SELECT 1 FROM active_ids a WHERE a.user_id = users.id)`)
	if err != nil {
		return res, fmt.Errorf("mark offline: %w", err)
	}
	res.TurnedOffline, _ = r.RowsAffected()
	return res, tx.Commit()
}

// MarkCycleComplete records the completion time under KeyScrapeLast.
func (s *PGStore) MarkCycleComplete(ctx context.Context, at time.Time) error {
	return UpsertKV(ctx, s.db, KeyScrapeLast, at.UTC().Format(time.RFC3339))
}

// cycleTx runs every unit under its own savepoint. Units are serialised because a
// transaction has a single connection.
type cycleTx struct {
	mu sync.Mutex
	tx *sql.Tx
}

func (t *cycleTx) Isolate(ctx context.Context, fn func(scrape.Queries) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT sighting`); err != nil {
		return err
	}
	if err := fn(queries{t.tx}); err != nil {
		if _, rbErr := t.tx.ExecContext(context.WithoutCancel(ctx), `ROLLBACK TO SAVEPOINT sighting`); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT sighting`)
	return err
}

func (t *cycleTx) Commit() error   { return t.tx.Commit() }
func (t *cycleTx) Rollback() error { return t.tx.Rollback() }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct{ q querier }

func (q queries) InsertChannel(ctx context.Context, name string) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO channels (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	return err
}

func (q queries) ChannelID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := q.q.QueryRowContext(ctx, `SELECT id FROM channels WHERE name = $1`, name).Scan(&id)
	return id, err
}

func (q queries) InsertUser(ctx context.Context, publicID, name string) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO users (public_id, name) VALUES ($1, $2) ON CONFLICT (public_id) DO NOTHING`, publicID, name)
	return err
}

func (q queries) UserID(ctx context.Context, publicID string) (int64, error) {
	var id int64
	err := q.q.QueryRowContext(ctx, `SELECT id FROM users WHERE public_id = $1`, publicID).Scan(&id)
	return id, err
}

func (q queries) LatestVisit(ctx context.Context, userID, channelID int64) (time.Time, bool, error) {
	var at time.Time
	err := q.q.QueryRowContext(ctx, `SELECT "timestamp" FROM visits
		WHERE user_id = $1 AND channel_id = $2 ORDER BY "timestamp" DESC LIMIT 1`, userID, channelID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (q queries) InsertVisit(ctx context.Context, userID, channelID int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO visits (user_id, channel_id, "timestamp") VALUES ($1, $2, $3)`, userID, channelID, at)
	return err
}

func (q queries) MarkOnline(ctx context.Context, userID int64) error {
	_, err := q.q.ExecContext(ctx, `UPDATE users SET online = TRUE WHERE id = $1 AND NOT online`, userID)
	return err
}
