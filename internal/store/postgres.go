package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"shout-server/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the shout status log and
// the rotating token purse.
type Store struct {
	pool      *pgxpool.Pool
	purseName string
	maxTokens int
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn, purseName string, maxTokens int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if purseName == "" {
		purseName = "SINGLETON"
	}
	if maxTokens <= 0 {
		maxTokens = 3
	}
	return &Store{pool: pool, purseName: purseName, maxTokens: maxTokens}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AppendEvent inserts one immutable status log row. There is no uniqueness
// constraint on the key; multiple rows per shout are expected, and no
// transaction is needed because the insert touches exactly one row.
func (s *Store) AppendEvent(ctx context.Context, ev models.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shout_status_log (shout_key, priority, status, ts, error, result, host)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.Key, ev.Status.Priority(), ev.Status.String(), ts,
		emptyToNil(ev.Error), emptyToNil(ev.Result), emptyToNil(ev.Host))
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

// LatestEvent returns the authoritative event for the key: the row with the
// highest (priority, ts) pair. A single indexed range query, so no write
// ever blocks it.
func (s *Store) LatestEvent(ctx context.Context, key string) (models.Event, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT shout_key, status, ts, error, result, host
		FROM shout_status_log
		WHERE shout_key = $1
		ORDER BY priority DESC, ts DESC
		LIMIT 1
	`, key)

	var ev models.Event
	var statusName string
	var errText, resText, hostText pgtype.Text
	if err := row.Scan(&ev.Key, &statusName, &ev.Timestamp, &errText, &resText, &hostText); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Event{}, false, nil
		}
		return models.Event{}, false, fmt.Errorf("query latest event: %w", err)
	}
	status, err := models.ParseStatus(statusName)
	if err != nil {
		return models.Event{}, false, fmt.Errorf("scan latest event: %w", err)
	}
	ev.Status = status
	ev.Error = textOrEmpty(errText)
	ev.Result = textOrEmpty(resText)
	ev.Host = textOrEmpty(hostText)
	return ev, true, nil
}

// PurgeEvents deletes events older than the cutoff and reports how many
// rows went away. Safe to run alongside appends; the retention window keeps
// it away from rows still being written.
func (s *Store) PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM shout_status_log WHERE ts < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge status events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InitTokens creates the purse record with a single token if it does not
// exist yet. Concurrent initializations race safely: exactly one insert
// wins and the rest report created=false.
func (s *Store) InitTokens(ctx context.Context, first string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO token_purse (name, tokens) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, s.purseName, []string{first})
	if err != nil {
		return false, fmt.Errorf("init token purse: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RotateTokens prepends a new token and truncates the tail, atomically
// against the single purse row. Concurrent rotations serialize on the row
// lock; there is no last-writer-wins window.
func (s *Store) RotateTokens(ctx context.Context, next string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin rotate tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var tokens []string
	err = tx.QueryRow(ctx, `
		SELECT tokens FROM token_purse WHERE name = $1 FOR UPDATE
	`, s.purseName).Scan(&tokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("rotate tokens: purse %q not initialized", s.purseName)
		}
		return fmt.Errorf("lock token purse: %w", err)
	}

	rotated := rotateInto(tokens, next, s.maxTokens)
	if _, err := tx.Exec(ctx, `
		UPDATE token_purse SET tokens = $2, rotated_at = NOW() WHERE name = $1
	`, s.purseName, rotated); err != nil {
		return fmt.Errorf("write token purse: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rotate tx: %w", err)
	}
	return nil
}

// CurrentTokens returns all currently-valid tokens, newest first. Any of
// them authorizes a worker callback, which is what lets in-flight workers
// holding an older token survive a rotation.
func (s *Store) CurrentTokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := s.pool.QueryRow(ctx, `
		SELECT tokens FROM token_purse WHERE name = $1
	`, s.purseName).Scan(&tokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token purse %q not initialized", s.purseName)
		}
		return nil, fmt.Errorf("read token purse: %w", err)
	}
	return tokens, nil
}

// rotateInto is the pure rotation step: newest first, capped at max.
func rotateInto(tokens []string, next string, max int) []string {
	out := make([]string, 0, max)
	out = append(out, next)
	for _, t := range tokens {
		if len(out) == max {
			break
		}
		out = append(out, t)
	}
	return out
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}
