package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/models"
	"github.com/starford/othala/internal/parser"
)

// Scope is the opaque key/value partition attached to every remote row
// during replication.
type Scope map[string]string

// columns returns the sanitized scope columns in deterministic (sorted)
// order with their values aligned.
func (s Scope) columns() ([]string, []string, error) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]string, len(keys))
	vals := make([]string, len(keys))
	for i, k := range keys {
		col, err := sanitizeField(k)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = col
		vals[i] = s[k]
	}
	return cols, vals, nil
}

// Push replays every changelog entry with seq strictly greater than
// sinceSeq against the remote store, tagging each row with the scope
// columns. It returns the maximum seq successfully applied; on failure
// the last applied seq comes back with the error. Re-pushing from the
// same sinceSeq reproduces the same remote state.
func (g *Graph) Push(remote *sql.DB, scope Scope, sinceSeq int64) (int64, error) {
	if !g.changelog {
		return sinceSeq, fmt.Errorf("graph: delta push needs the changelog: %w", apperr.ErrChangelogDisabled)
	}
	entries, err := g.Changelog(sinceSeq, 0)
	if err != nil {
		return sinceSeq, err
	}
	applied := sinceSeq
	for _, e := range entries {
		if err := g.applyRemote(remote, scope, e); err != nil {
			return applied, fmt.Errorf("graph: push seq %d: %w", e.Seq, err)
		}
		applied = e.Seq
	}
	return applied, nil
}

// PushSnapshot scans every stored node and upserts it remotely. The
// fallback when the changelog is disabled: lossy for deletions, upserts
// only. Returns the number of rows pushed.
func (g *Graph) PushSnapshot(remote *sql.DB, scope Scope) (int, error) {
	rows, err := g.reg.contentRows(g.db)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range rows {
		if err := g.remoteUpsert(remote, scope, r.name, r.typ, r.content); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Pull selects every remote row matching the scope and applies it as a
// local write, bypassing the changelog so pulled rows are never pushed
// back. Returns the number of rows applied.
func (g *Graph) Pull(remote *sql.DB, scope Scope) (int, error) {
	scopeCols, scopeVals, err := scope.columns()
	if err != nil {
		return 0, err
	}
	tables, err := remoteScopedTables(remote, scopeCols)
	if err != nil {
		return 0, err
	}

	type pulled struct{ name, content string }
	var incoming []pulled
	for _, table := range tables {
		where := "1 = 1"
		args := make([]any, 0, len(scopeCols))
		if len(scopeCols) > 0 {
			conds := make([]string, len(scopeCols))
			for i, c := range scopeCols {
				conds[i] = c + " = ?"
				args = append(args, scopeVals[i])
			}
			where = strings.Join(conds, " AND ")
		}
		rows, err := remote.Query(fmt.Sprintf(
			"SELECT name, _content FROM %s WHERE %s ORDER BY name", table, where), args...)
		if err != nil {
			return 0, fmt.Errorf("graph: pull from %s: %w", table, err)
		}
		for rows.Next() {
			var p pulled
			if err := rows.Scan(&p.name, &p.content); err != nil {
				rows.Close()
				return 0, err
			}
			incoming = append(incoming, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, err
		}
		rows.Close()
	}

	count := 0
	err = g.mutate(func(tx querier) ([]event, error) {
		var events []event
		for _, p := range incoming {
			evs, err := g.applyWrite(tx, p.name, p.content, false)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)
			count++
		}
		return events, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// applyRemote replays one changelog entry against the remote store.
func (g *Graph) applyRemote(remote *sql.DB, scope Scope, e models.ChangeEntry) error {
	switch e.Op {
	case models.OpNodeWrite:
		var p writePayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return g.remoteUpsert(remote, scope, e.Subject, p.Type, p.Content)

	case models.OpNodeCp:
		var p cpPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return g.remoteUpsert(remote, scope, e.Subject, p.Type, p.Content)

	case models.OpNodeRm:
		var p rmPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return g.remoteDelete(remote, scope, e.Subject, p.Type)

	case models.OpNodeMv:
		var p mvPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return g.remoteRename(remote, scope, p.Type, p.OldName, e.Subject)

	case models.OpNodeTypeChange:
		var p typeChangePayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		// The following node.write entry inserts into the new table.
		return g.remoteDelete(remote, scope, e.Subject, p.OldType)

	case models.OpTypeAdd:
		scopeCols, _, err := scope.columns()
		if err != nil {
			return err
		}
		_, err = ensureRemoteTable(remote, e.Subject, scopeCols, nil)
		return err

	case models.OpTypeRm:
		return g.remoteRemoveType(remote, scope, e.Subject)

	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
}

// remoteUpsert full-replaces one scoped remote row, mirroring the node's
// type table and field layout.
func (g *Graph) remoteUpsert(remote *sql.DB, scope Scope, name, typ, content string) error {
	scopeCols, scopeVals, err := scope.columns()
	if err != nil {
		return err
	}
	meta := parser.Parse(content).Meta
	cols, err := metaColumns(meta)
	if err != nil {
		return err
	}
	table, err := ensureRemoteTable(remote, typ, scopeCols, cols)
	if err != nil {
		return err
	}
	if err := remoteDeleteRow(remote, table, scopeCols, scopeVals, name); err != nil {
		return err
	}

	names := append(append([]string{}, scopeCols...), "name", "_content")
	args := make([]any, 0, len(names)+len(cols))
	for _, v := range scopeVals {
		args = append(args, v)
	}
	args = append(args, name, content)
	for _, c := range cols {
		names = append(names, c.name)
		args = append(args, c.value)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	if _, err := remote.Exec(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), placeholders), args...); err != nil {
		return fmt.Errorf("remote upsert %s/%s: %w", table, name, err)
	}
	return nil
}

func (g *Graph) remoteDelete(remote *sql.DB, scope Scope, name, typ string) error {
	scopeCols, scopeVals, err := scope.columns()
	if err != nil {
		return err
	}
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	if cols, err := tableColumns(remote, table); err != nil || cols == nil {
		return err
	}
	return remoteDeleteRow(remote, table, scopeCols, scopeVals, name)
}

func (g *Graph) remoteRename(remote *sql.DB, scope Scope, typ, old, new string) error {
	scopeCols, scopeVals, err := scope.columns()
	if err != nil {
		return err
	}
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	if cols, err := tableColumns(remote, table); err != nil || cols == nil {
		return err
	}
	where, args := scopedWhere(scopeCols, scopeVals, old)
	if _, err := remote.Exec(fmt.Sprintf("UPDATE %s SET name = ? WHERE %s", table, where),
		append([]any{new}, args...)...); err != nil {
		return fmt.Errorf("remote rename %s/%s: %w", table, old, err)
	}
	return nil
}

// remoteRemoveType moves the scoped rows of typ into the remote untyped
// table, keeping content only.
func (g *Graph) remoteRemoveType(remote *sql.DB, scope Scope, typ string) error {
	scopeCols, scopeVals, err := scope.columns()
	if err != nil {
		return err
	}
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	if cols, err := tableColumns(remote, table); err != nil || cols == nil {
		return err
	}
	untypedTable, err := ensureRemoteTable(remote, models.Untyped, scopeCols, nil)
	if err != nil {
		return err
	}

	where := "1 = 1"
	var args []any
	if len(scopeCols) > 0 {
		conds := make([]string, len(scopeCols))
		for i, c := range scopeCols {
			conds[i] = c + " = ?"
			args = append(args, scopeVals[i])
		}
		where = strings.Join(conds, " AND ")
	}
	selCols := append(append([]string{}, scopeCols...), "name", "_content")
	colList := strings.Join(selCols, ", ")
	if _, err := remote.Exec(fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) SELECT %s FROM %s WHERE %s",
		untypedTable, colList, colList, table, where), args...); err != nil {
		return fmt.Errorf("remote migrate %s: %w", table, err)
	}
	if _, err := remote.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...); err != nil {
		return fmt.Errorf("remote drop rows %s: %w", table, err)
	}
	return nil
}

// ensureRemoteTable creates the scoped mirror table for typ when missing
// and adds any absent scope or field columns. A unique index over
// (scope..., name) makes re-pushes idempotent.
func ensureRemoteTable(remote *sql.DB, typ string, scopeCols []string, fieldCols []metaColumn) (string, error) {
	table, err := typeTableName(typ)
	if err != nil {
		return "", err
	}
	defs := make([]string, 0, len(scopeCols)+2)
	for _, c := range scopeCols {
		defs = append(defs, c+" TEXT NOT NULL DEFAULT ''")
	}
	defs = append(defs, "name TEXT NOT NULL", "_content TEXT NOT NULL DEFAULT ''")
	if _, err := remote.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		table, strings.Join(defs, ", "))); err != nil {
		return "", fmt.Errorf("remote create %s: %w", table, err)
	}

	existing, err := tableColumns(remote, table)
	if err != nil {
		return "", err
	}
	have := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		have[c] = struct{}{}
	}
	for _, c := range scopeCols {
		if _, ok := have[c]; !ok {
			if _, err := remote.Exec(fmt.Sprintf(
				"ALTER TABLE %s ADD COLUMN %s TEXT NOT NULL DEFAULT ''", table, c)); err != nil {
				return "", fmt.Errorf("remote add scope column %s.%s: %w", table, c, err)
			}
		}
	}
	for _, c := range fieldCols {
		if _, ok := have[c.name]; !ok {
			if _, err := remote.Exec(fmt.Sprintf(
				"ALTER TABLE %s ADD COLUMN %s TEXT", table, c.name)); err != nil {
				return "", fmt.Errorf("remote add column %s.%s: %w", table, c.name, err)
			}
		}
	}

	keyCols := append(append([]string{}, scopeCols...), "name")
	if _, err := remote.Exec(fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_scope ON %s (%s)",
		table, table, strings.Join(keyCols, ", "))); err != nil {
		return "", fmt.Errorf("remote index %s: %w", table, err)
	}
	return table, nil
}

func remoteDeleteRow(remote *sql.DB, table string, scopeCols, scopeVals []string, name string) error {
	where, args := scopedWhere(scopeCols, scopeVals, name)
	if _, err := remote.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...); err != nil {
		return fmt.Errorf("remote delete %s/%s: %w", table, name, err)
	}
	return nil
}

func scopedWhere(scopeCols, scopeVals []string, name string) (string, []any) {
	conds := make([]string, 0, len(scopeCols)+1)
	args := make([]any, 0, len(scopeCols)+1)
	for i, c := range scopeCols {
		conds = append(conds, c+" = ?")
		args = append(args, scopeVals[i])
	}
	conds = append(conds, "name = ?")
	args = append(args, name)
	return strings.Join(conds, " AND "), args
}

// remoteScopedTables lists remote tables carrying every scope column plus
// name and _content.
func remoteScopedTables(remote *sql.DB, scopeCols []string) ([]string, error) {
	rows, err := remote.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("graph: list remote tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []string
	for _, t := range tables {
		cols, err := tableColumns(remote, t)
		if err != nil {
			return nil, err
		}
		have := make(map[string]struct{}, len(cols))
		for _, c := range cols {
			have[c] = struct{}{}
		}
		ok := true
		for _, need := range append(append([]string{}, scopeCols...), "name", "_content") {
			if _, found := have[need]; !found {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}
