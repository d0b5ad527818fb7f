package graph

import (
	"fmt"
	"strings"

	"github.com/starford/othala/internal/parser"
)

// unifiedRegistry keeps every node in the single _data table whose
// columns are the union of all fields across all types; the _type_fields
// side table records which fields belong to which type and in what order.
// Fields of untyped nodes occupy columns but are never recorded in
// _type_fields.
type unifiedRegistry struct{}

const unifiedSchemaSQL = `
CREATE TABLE IF NOT EXISTS _data (
	name     TEXT PRIMARY KEY,
	type     TEXT NOT NULL DEFAULT 'untyped',
	_content TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_data_type ON _data(type);

CREATE TABLE IF NOT EXISTS _type_fields (
	type  TEXT NOT NULL,
	field TEXT NOT NULL,
	ord   INTEGER NOT NULL,
	PRIMARY KEY (type, field)
);
`

func (r *unifiedRegistry) layout() string { return LayoutUnified }

func (r *unifiedRegistry) init(q querier) error {
	if _, err := q.Exec(unifiedSchemaSQL); err != nil {
		return fmt.Errorf("graph: create unified schema: %w", err)
	}
	return nil
}

// widen adds missing columns to _data and, for typed nodes, missing
// rows to _type_fields with the next ordinal.
func (r *unifiedRegistry) widen(q querier, typ string, cols []metaColumn) error {
	if _, err := typeTableName(typ); err != nil {
		return err
	}
	existing, err := tableColumns(q, "_data")
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		have[c] = struct{}{}
	}
	for _, c := range cols {
		if _, ok := have[c.name]; !ok {
			if _, err := q.Exec(fmt.Sprintf("ALTER TABLE _data ADD COLUMN %s TEXT", c.name)); err != nil {
				return fmt.Errorf("graph: add column _data.%s: %w", c.name, err)
			}
			have[c.name] = struct{}{}
		}
		if typ == "untyped" {
			continue
		}
		if _, err := q.Exec(`
			INSERT OR IGNORE INTO _type_fields (type, field, ord)
			VALUES (?, ?, (SELECT COALESCE(MAX(ord), -1) + 1 FROM _type_fields WHERE type = ?))
		`, typ, c.name, typ); err != nil {
			return fmt.Errorf("graph: record field %s.%s: %w", typ, c.name, err)
		}
	}
	return nil
}

func (r *unifiedRegistry) fields(q querier, typ string) ([]string, error) {
	rows, err := q.Query(`SELECT field FROM _type_fields WHERE type = ? ORDER BY ord`, typ)
	if err != nil {
		return nil, fmt.Errorf("graph: fields of %s: %w", typ, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *unifiedRegistry) setFields(q querier, typ string, fields []string) error {
	current, err := r.fields(q, typ)
	if err != nil {
		return err
	}
	allowed := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		allowed[f] = struct{}{}
	}
	for _, c := range current {
		if _, keep := allowed[c]; keep {
			continue
		}
		if _, err := q.Exec(`DELETE FROM _type_fields WHERE type = ? AND field = ?`, typ, c); err != nil {
			return err
		}
		// Columns may be shared across types: null only this type's rows.
		if _, err := q.Exec(fmt.Sprintf("UPDATE _data SET %s = NULL WHERE type = ?", c), typ); err != nil {
			return fmt.Errorf("graph: null column %s for %s: %w", c, typ, err)
		}
	}
	cols := make([]metaColumn, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, metaColumn{name: f})
	}
	return r.widen(q, typ, cols)
}

func (r *unifiedRegistry) upsert(q querier, typ, name, content string, meta parser.Meta) error {
	cols, err := metaColumns(meta)
	if err != nil {
		return err
	}
	if err := r.widen(q, typ, cols); err != nil {
		return err
	}
	// REPLACE leaves every unspecified column NULL, which is exactly the
	// full-replacement semantics a write needs.
	names := []string{"name", "type", "_content"}
	args := []any{name, typ, content}
	for _, c := range cols {
		names = append(names, c.name)
		args = append(args, c.value)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	_, err = q.Exec(fmt.Sprintf("INSERT OR REPLACE INTO _data (%s) VALUES (%s)",
		strings.Join(names, ", "), placeholders), args...)
	if err != nil {
		return fmt.Errorf("graph: upsert _data/%s: %w", name, err)
	}
	return nil
}

func (r *unifiedRegistry) deleteRow(q querier, _, name string) error {
	if _, err := q.Exec(`DELETE FROM _data WHERE name = ?`, name); err != nil {
		return fmt.Errorf("graph: delete _data/%s: %w", name, err)
	}
	return nil
}

func (r *unifiedRegistry) readRow(q querier, typ, name string) (string, parser.Meta, error) {
	var filter []string
	if typ != "untyped" {
		var err error
		filter, err = r.fields(q, typ)
		if err != nil {
			return "", nil, err
		}
		if filter == nil {
			filter = []string{}
		}
	}
	content, meta, _, err := scanRowMeta(q, "_data", name, filter)
	return content, meta, err
}

func (r *unifiedRegistry) renameNode(q querier, _, old, new string) error {
	if _, err := q.Exec(`UPDATE _data SET name = ? WHERE name = ?`, new, old); err != nil {
		return fmt.Errorf("graph: rename _data/%s: %w", old, err)
	}
	return nil
}

func (r *unifiedRegistry) renameType(q querier, old, new string) error {
	if _, err := typeTableName(new); err != nil {
		return err
	}
	if _, err := q.Exec(`UPDATE _data SET type = ? WHERE type = ?`, new, old); err != nil {
		return err
	}
	if _, err := q.Exec(`UPDATE _type_fields SET type = ? WHERE type = ?`, new, old); err != nil {
		return err
	}
	return nil
}

func (r *unifiedRegistry) migrateToUntyped(q querier, typ string) error {
	fields, err := r.fields(q, typ)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if _, err := q.Exec(fmt.Sprintf("UPDATE _data SET %s = NULL WHERE type = ?", f), typ); err != nil {
			return fmt.Errorf("graph: null column %s: %w", f, err)
		}
	}
	if _, err := q.Exec(`UPDATE _data SET type = 'untyped' WHERE type = ?`, typ); err != nil {
		return err
	}
	if _, err := q.Exec(`DELETE FROM _type_fields WHERE type = ?`, typ); err != nil {
		return err
	}
	return nil
}

func (r *unifiedRegistry) contentRows(q querier) ([]contentRow, error) {
	rows, err := q.Query(`SELECT name, type, _content FROM _data ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("graph: scan _data: %w", err)
	}
	defer rows.Close()
	var out []contentRow
	for rows.Next() {
		var cr contentRow
		if err := rows.Scan(&cr.name, &cr.typ, &cr.content); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (r *unifiedRegistry) aliasSources(q querier, target string) ([]string, error) {
	cols, err := tableColumns(q, "_data")
	if err != nil {
		return nil, err
	}
	hasCol := false
	for _, c := range cols {
		if c == "link_target" {
			hasCol = true
			break
		}
	}
	if !hasCol {
		return nil, nil
	}
	rows, err := q.Query(`SELECT name FROM _data WHERE type = 'untyped' AND link_target = ? ORDER BY name`, target)
	if err != nil {
		return nil, fmt.Errorf("graph: alias sources: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
