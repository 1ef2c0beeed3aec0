// Package persistence implements the durable snapshot store on SQLite.
// The tracker treats it as an opaque load/save boundary; a missing database
// is a valid first run, not an error.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/seedline/flock/internal/funnel"
	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/stage"
)

const (
	schemaVersion  = 1
	schemaChecksum = "flock-v1-2026-08-funnel-schema"
)

// Store is a SQLite-backed implementation of funnel.Store.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database location under the flock home dir.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "flock.db")
}

// Open creates or opens the database at path, configures pragmas, and
// applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle, used by tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("configure pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("init schema: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id        TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	stage           TEXT NOT NULL,
	belief_score    REAL NOT NULL,
	traits          TEXT NOT NULL DEFAULT '[]',
	debate_count    INTEGER NOT NULL DEFAULT 0,
	staked_amount   TEXT NOT NULL DEFAULT '0',
	declared_belief INTEGER NOT NULL DEFAULT 0,
	converts        TEXT NOT NULL DEFAULT '[]',
	converted_by    TEXT NOT NULL DEFAULT '',
	denomination    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	last_active     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS quotas (
	agent_id        TEXT PRIMARY KEY REFERENCES agents(agent_id),
	posts_today     INTEGER NOT NULL DEFAULT 0,
	replies_today   INTEGER NOT NULL DEFAULT 0,
	total_posts     INTEGER NOT NULL DEFAULT 0,
	total_replies   INTEGER NOT NULL DEFAULT 0,
	last_post       TIMESTAMP,
	last_reply      TIMESTAMP,
	last_heartbeat  TIMESTAMP,
	stage_deadline  TIMESTAMP,
	deadline_warned INTEGER NOT NULL DEFAULT 0,
	streak_days     INTEGER NOT NULL DEFAULT 0,
	active_days     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transitions (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	from_stage TEXT NOT NULL,
	to_stage   TEXT NOT NULL,
	cause      TEXT NOT NULL,
	at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_agent ON transitions(agent_id, at);

CREATE TABLE IF NOT EXISTS miracles (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	at          TIMESTAMP NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version';`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?), ('schema_checksum', ?);`,
			schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, schemaVersion)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init schema: commit: %w", err)
	}
	return nil
}

// Save upserts the full snapshot in one transaction. Transition and miracle
// rows are appended through AppendTransition/AppendMiracle as they happen,
// so Save only touches agents, quotas and the reset stamp.
func (s *Store) Save(ctx context.Context, snap funnel.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range snap.Agents {
		if err := upsertAgent(ctx, tx, &snap.Agents[i]); err != nil {
			return err
		}
	}
	for i := range snap.Quotas {
		if err := upsertQuota(ctx, tx, &snap.Quotas[i]); err != nil {
			return err
		}
	}
	if !snap.LastReset.IsZero() {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO meta (key, value) VALUES ('last_reset', ?);`,
			snap.LastReset.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("save last reset: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

func upsertAgent(ctx context.Context, tx *sql.Tx, a *funnel.Agent) error {
	traits, err := json.Marshal(a.Traits)
	if err != nil {
		return fmt.Errorf("marshal traits for %s: %w", a.ID, err)
	}
	converts, err := json.Marshal(a.Converts)
	if err != nil {
		return fmt.Errorf("marshal converts for %s: %w", a.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents (agent_id, name, stage, belief_score, traits,
			debate_count, staked_amount, declared_belief, converts, converted_by,
			denomination, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, a.ID, a.Name, string(a.Stage), a.BeliefScore, string(traits),
		a.DebateCount, a.StakedAmount, a.DeclaredBelief, string(converts), a.ConvertedBy,
		a.Denomination, a.CreatedAt, a.LastActive)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func upsertQuota(ctx context.Context, tx *sql.Tx, q *quota.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO quotas (agent_id, posts_today, replies_today,
			total_posts, total_replies, last_post, last_reply, last_heartbeat,
			stage_deadline, deadline_warned, streak_days, active_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, q.AgentID, q.PostsToday, q.RepliesToday,
		q.TotalPosts, q.TotalReplies, nullTime(q.LastPost), nullTime(q.LastReply), nullTime(q.LastHeartbeat),
		nullTime(q.StageDeadline), q.DeadlineWarned, q.StreakDays, q.ActiveDays)
	if err != nil {
		return fmt.Errorf("upsert quota %s: %w", q.AgentID, err)
	}
	return nil
}

// AppendTransition writes one immutable stage-change row.
func (s *Store) AppendTransition(ctx context.Context, tr funnel.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, agent_id, from_stage, to_stage, cause, at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, tr.ID, tr.AgentID, string(tr.From), string(tr.To), tr.Trigger, tr.At)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// AppendMiracle writes one immutable demonstration row.
func (s *Store) AppendMiracle(ctx context.Context, m funnel.Miracle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO miracles (id, agent_id, type, description, at)
		VALUES (?, ?, ?, ?, ?);
	`, m.ID, m.AgentID, m.Type, m.Description, m.At)
	if err != nil {
		return fmt.Errorf("append miracle: %w", err)
	}
	return nil
}

// Load reads the full state. An empty database yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (funnel.Snapshot, error) {
	var snap funnel.Snapshot

	agents, err := s.loadAgents(ctx)
	if err != nil {
		return snap, err
	}
	snap.Agents = agents

	quotas, err := s.loadQuotas(ctx)
	if err != nil {
		return snap, err
	}
	snap.Quotas = quotas

	transitions, err := s.loadTransitions(ctx)
	if err != nil {
		return snap, err
	}
	snap.Transitions = transitions

	miracles, err := s.loadMiracles(ctx)
	if err != nil {
		return snap, err
	}
	snap.Miracles = miracles

	var lastReset string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_reset';`).Scan(&lastReset)
	if err != nil && err != sql.ErrNoRows {
		return snap, fmt.Errorf("load last reset: %w", err)
	}
	if lastReset != "" {
		ts, parseErr := time.Parse(time.RFC3339Nano, lastReset)
		if parseErr != nil {
			return snap, fmt.Errorf("parse last reset %q: %w", lastReset, parseErr)
		}
		snap.LastReset = ts
	}
	return snap, nil
}

func (s *Store) loadAgents(ctx context.Context) ([]funnel.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, stage, belief_score, traits, debate_count,
			staked_amount, declared_belief, converts, converted_by, denomination,
			created_at, last_active
		FROM agents ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	var out []funnel.Agent
	for rows.Next() {
		var a funnel.Agent
		var stg, traits, converts string
		if err := rows.Scan(&a.ID, &a.Name, &stg, &a.BeliefScore, &traits, &a.DebateCount,
			&a.StakedAmount, &a.DeclaredBelief, &converts, &a.ConvertedBy, &a.Denomination,
			&a.CreatedAt, &a.LastActive); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Stage = stage.Stage(stg)
		if err := json.Unmarshal([]byte(traits), &a.Traits); err != nil {
			return nil, fmt.Errorf("unmarshal traits for %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(converts), &a.Converts); err != nil {
			return nil, fmt.Errorf("unmarshal converts for %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load agents: iterate: %w", err)
	}
	return out, nil
}

func (s *Store) loadQuotas(ctx context.Context) ([]quota.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, posts_today, replies_today, total_posts, total_replies,
			last_post, last_reply, last_heartbeat, stage_deadline,
			deadline_warned, streak_days, active_days
		FROM quotas;
	`)
	if err != nil {
		return nil, fmt.Errorf("load quotas: %w", err)
	}
	defer rows.Close()

	var out []quota.Record
	for rows.Next() {
		var q quota.Record
		var lastPost, lastReply, lastHeartbeat, deadline sql.NullTime
		if err := rows.Scan(&q.AgentID, &q.PostsToday, &q.RepliesToday, &q.TotalPosts, &q.TotalReplies,
			&lastPost, &lastReply, &lastHeartbeat, &deadline,
			&q.DeadlineWarned, &q.StreakDays, &q.ActiveDays); err != nil {
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		q.LastPost = lastPost.Time
		q.LastReply = lastReply.Time
		q.LastHeartbeat = lastHeartbeat.Time
		q.StageDeadline = deadline.Time
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load quotas: iterate: %w", err)
	}
	return out, nil
}

func (s *Store) loadTransitions(ctx context.Context) ([]funnel.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, from_stage, to_stage, cause, at
		FROM transitions ORDER BY at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	defer rows.Close()

	var out []funnel.Transition
	for rows.Next() {
		var tr funnel.Transition
		var from, to string
		if err := rows.Scan(&tr.ID, &tr.AgentID, &from, &to, &tr.Trigger, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = stage.Stage(from)
		tr.To = stage.Stage(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load transitions: iterate: %w", err)
	}
	return out, nil
}

func (s *Store) loadMiracles(ctx context.Context) ([]funnel.Miracle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, type, description, at
		FROM miracles ORDER BY at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("load miracles: %w", err)
	}
	defer rows.Close()

	var out []funnel.Miracle
	for rows.Next() {
		var m funnel.Miracle
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Type, &m.Description, &m.At); err != nil {
			return nil, fmt.Errorf("scan miracle: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load miracles: iterate: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
