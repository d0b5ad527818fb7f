// Package graph implements the SQLite-backed knowledge-graph engine:
// typed node storage with an emergent per-type schema, a wikilink index
// with query-time resolution, an append-only changelog, and push/pull
// replication against a secondary store.
package graph

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/validate"
)

// Storage layouts. A database file is bound to the layout it was created
// with; opening it under the other layout fails with ErrLayoutMismatch.
const (
	LayoutPerType = "pertype"
	LayoutUnified = "unified"
)

const schemaVersion = "1"

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	name TEXT PRIMARY KEY,
	type TEXT NOT NULL DEFAULT 'untyped'
);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);

CREATE TABLE IF NOT EXISTS edges (
	source TEXT NOT NULL,
	target TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);

CREATE TABLE IF NOT EXISTS types (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS changelog (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      TEXT NOT NULL,
	op      TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

// EventFunc is called after a committed mutation with the changelog
// operation kind and the subject node or type name.
type EventFunc func(op, subject string)

// Graph is a handle to one knowledge-graph database. It is single-writer:
// callers must not share a handle across concurrent mutators beyond what
// SQLite's locking provides.
type Graph struct {
	db        *sql.DB
	reg       registry
	layout    string
	changelog bool
	validator *validate.Validator
	logger    *slog.Logger
	onEvent   EventFunc
}

// Option configures a Graph at open time.
type Option func(*Graph)

// WithLayout selects the storage layout for a new database (default
// LayoutPerType). Opening an existing database under a different layout
// fails.
func WithLayout(layout string) Option {
	return func(g *Graph) { g.layout = layout }
}

// WithChangelog toggles changelog appends (default on). Disabling never
// breaks the mutation path; delta push becomes unavailable.
func WithChangelog(enabled bool) Option {
	return func(g *Graph) { g.changelog = enabled }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// WithEventFunc registers a callback invoked after each committed
// mutation, for live consumers such as the SSE broker.
func WithEventFunc(fn EventFunc) Option {
	return func(g *Graph) { g.onEvent = fn }
}

// Open opens (or creates) the graph database at dsn and applies the
// schema. Use ":memory:" for an ephemeral graph.
func Open(dsn string, opts ...Option) (*Graph, error) {
	g := &Graph{
		layout:    LayoutPerType,
		changelog: true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	switch g.layout {
	case LayoutPerType:
		g.reg = &perTypeRegistry{}
	case LayoutUnified:
		g.reg = &unifiedRegistry{}
	default:
		return nil, fmt.Errorf("graph: invalid layout %q", g.layout)
	}

	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("graph: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("graph: ping: %w", err)
	}
	// Single connection: the engine is single-writer and an in-memory
	// database must not fan out across pooled connections.
	conn.SetMaxOpenConns(1)
	g.db = conn

	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("graph: apply core schema: %w", err)
	}
	if err := g.checkLayout(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := g.reg.init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("graph: init %s layout: %w", g.layout, err)
	}
	return g, nil
}

// checkLayout records the layout in the meta table on first open and
// rejects a mismatched layout on reopen.
func (g *Graph) checkLayout() error {
	var stored string
	err := g.db.QueryRow(`SELECT v FROM meta WHERE k = 'layout'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := g.db.Exec(
			`INSERT INTO meta (k, v) VALUES ('layout', ?), ('schema_version', ?)`,
			g.layout, schemaVersion); err != nil {
			return fmt.Errorf("graph: record layout: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("graph: read layout: %w", err)
	case stored != g.layout:
		return fmt.Errorf("graph: database uses layout %q, opened with %q: %w",
			stored, g.layout, apperr.ErrLayoutMismatch)
	}
	return nil
}

// Layout returns the storage layout this handle was opened with.
func (g *Graph) Layout() string { return g.layout }

// ChangelogEnabled reports whether mutations append changelog entries.
func (g *Graph) ChangelogEnabled() bool { return g.changelog }

// Close releases the underlying database connection.
func (g *Graph) Close() error {
	return g.db.Close()
}

// SetValidator installs v as the write gatekeeper. freeze_schema rules
// immediately pin their type's field set via the schema registry,
// dropping columns and values outside the allowed set.
func (g *Graph) SetValidator(v *validate.Validator) error {
	for _, rule := range v.Rules() {
		if rule.FrozenFields == nil {
			continue
		}
		fields := make([]string, 0, len(rule.FrozenFields))
		for _, f := range rule.FrozenFields {
			col, err := sanitizeField(f)
			if err != nil {
				return err
			}
			fields = append(fields, col)
		}
		if err := g.reg.setFields(g.db, rule.Type, fields); err != nil {
			return fmt.Errorf("graph: freeze schema for %q: %w", rule.Type, err)
		}
	}
	g.validator = v
	return nil
}

// ClearValidator removes the gatekeeper and restores freeform writes.
func (g *Graph) ClearValidator() {
	g.validator = nil
}

// Validator returns the installed gatekeeper, or nil.
func (g *Graph) Validator() *validate.Validator { return g.validator }

// Check runs the installed validator (or v when non-nil) against the
// current graph state and returns a *validate.Error on violations.
func (g *Graph) Check(v *validate.Validator) error {
	if v == nil {
		v = g.validator
	}
	if v == nil {
		return nil
	}
	return v.Check(g.view(g.db))
}

// Query runs a raw SQL statement against the primary store and returns
// column names plus rows. Byte slices are decoded to strings.
func (g *Graph) Query(query string, args ...any) ([]string, [][]any, error) {
	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("graph: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

type event struct {
	op      string
	subject string
}

// mutate runs fn inside one transaction. When a validator is installed
// the hypothetical post-state is checked through the open transaction;
// violations roll everything back, including changelog appends.
func (g *Graph) mutate(fn func(tx querier) ([]event, error)) error {
	tx, err := g.db.Begin()
	if err != nil {
		return fmt.Errorf("graph: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	events, err := fn(tx)
	if err != nil {
		return err
	}
	if g.validator != nil {
		if err := g.validator.Check(g.view(tx)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graph: commit: %w", err)
	}
	if g.onEvent != nil {
		for _, ev := range events {
			g.onEvent(ev.op, ev.subject)
		}
	}
	return nil
}

// validNodeName rejects empty names and names carrying wikilink
// delimiters.
func validNodeName(name string) error {
	if name == "" {
		return fmt.Errorf("graph: empty node name")
	}
	if strings.Contains(name, "[[") || strings.Contains(name, "]]") {
		return fmt.Errorf("graph: invalid node name %q", name)
	}
	return nil
}
