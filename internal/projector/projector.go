// Package projector implements an optional, best-effort read model: a
// WAL subscriber that mirrors every event into a SQLite table so a
// dashboard or operator tool can query workflow state with SQL instead
// of replaying the WAL. It is explicitly NOT part of the durability or
// exactly-once guarantees — the WAL remains the sole source of truth,
// and the coordinator never reads from the projection. Grounded in the
// teacher's backend/sqlite/sqlite.go schema-and-insert style, adapted
// from a read/write transactional backend into a pure subscriber: we
// use modernc.org/sqlite (pure Go, no cgo) rather than the teacher's
// mattn/go-sqlite3, since this component only ever needs to be
// embeddable, not to host the WAL itself (see DESIGN.md).
package projector

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/axiom-workflow-engine/axiom/internal/statemachine"
	"github.com/axiom-workflow-engine/axiom/internal/wal"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_projection (
	workflow_id    TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	overall_state  TEXT NOT NULL,
	version        INTEGER NOT NULL,
	last_offset    INTEGER NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS step_projection (
	workflow_id TEXT NOT NULL,
	step        TEXT NOT NULL,
	state       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workflow_id, step)
);
`

// Projector subscribes to a wal.Service and maintains workflow_projection
// and step_projection in a SQLite database. It owns exactly one
// goroutine's worth of mutable state (the in-memory per-workflow
// statemachine.State it folds events into before writing rows) — no
// other component touches its db handle.
type Projector struct {
	db     *sql.DB
	wal    *wal.Service
	logger *slog.Logger

	states map[string]statemachine.State
}

// Open creates (or reuses) a SQLite database at dsn and ensures its
// schema exists. dsn is passed straight to modernc.org/sqlite, so
// "file:projection.db" and ":memory:" both work.
func Open(dsn string, w *wal.Service, logger *slog.Logger) (*Projector, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening projection database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating projection schema")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Projector{
		db:     db,
		wal:    w,
		logger: logger,
		states: map[string]statemachine.State{},
	}, nil
}

// Run subscribes to the WAL and applies notifications until ctx is
// canceled. It is best-effort: a write failure is logged and skipped
// rather than propagated, since the projection is read-only scaffolding
// and must never be allowed to slow down or block WAL appends.
func (p *Projector) Run(ctx context.Context, buffer int) {
	notifications := p.wal.Subscribe(ctx, buffer)
	for n := range notifications {
		p.apply(ctx, n)
	}
}

func (p *Projector) apply(ctx context.Context, n wal.Notification) {
	e := n.Event
	s, ok := p.states[e.WorkflowID]
	if !ok {
		s = statemachine.State{WorkflowID: e.WorkflowID}
	}
	s = statemachine.Apply(s, e)
	p.states[e.WorkflowID] = s

	if err := p.upsert(ctx, s, n.Offset); err != nil {
		p.logger.Warn("projection upsert failed, projection may lag WAL",
			"workflow_id", e.WorkflowID, "error", err)
	}
}

func (p *Projector) upsert(ctx context.Context, s statemachine.State, offset int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting projection transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_projection (workflow_id, name, overall_state, version, last_offset, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			name = excluded.name,
			overall_state = excluded.overall_state,
			version = excluded.version,
			last_offset = excluded.last_offset,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, s.WorkflowID, s.Name, string(s.Overall), s.Version, offset, s.Error, time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "upserting workflow_projection row")
	}

	for step, state := range s.StepStates {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_projection (workflow_id, step, state, error)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(workflow_id, step) DO UPDATE SET
				state = excluded.state,
				error = excluded.error
		`, s.WorkflowID, step, string(state), s.StepErrors[step])
		if err != nil {
			return errors.Wrapf(err, "upserting step_projection row for step %q", step)
		}
	}

	return errors.Wrap(tx.Commit(), "committing projection transaction")
}

// WorkflowSnapshot is a read-only row from workflow_projection.
type WorkflowSnapshot struct {
	WorkflowID string
	Name       string
	Overall    string
	Version    int
	Error      string
}

// Get queries the current projected snapshot for workflowID, for
// dashboards and operator tooling. It may lag the WAL's true state by
// whatever Run hasn't yet caught up on.
func (p *Projector) Get(ctx context.Context, workflowID string) (WorkflowSnapshot, error) {
	var snap WorkflowSnapshot
	row := p.db.QueryRowContext(ctx, `
		SELECT workflow_id, name, overall_state, version, error
		FROM workflow_projection WHERE workflow_id = ?
	`, workflowID)

	if err := row.Scan(&snap.WorkflowID, &snap.Name, &snap.Overall, &snap.Version, &snap.Error); err != nil {
		return WorkflowSnapshot{}, errors.Wrap(err, "querying workflow_projection")
	}

	return snap, nil
}

// Close closes the underlying database handle.
func (p *Projector) Close() error {
	return p.db.Close()
}
