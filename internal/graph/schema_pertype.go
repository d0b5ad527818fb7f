package graph

import (
	"fmt"
	"strings"

	"github.com/starford/othala/internal/parser"
)

// perTypeRegistry gives every type its own table: name primary key, one
// text column per field in insertion order, plus _content holding the raw
// document. Tables are created lazily on first write of the type.
type perTypeRegistry struct{}

func (r *perTypeRegistry) layout() string { return LayoutPerType }

func (r *perTypeRegistry) init(q querier) error {
	return r.ensureTable(q, "untyped", nil)
}

func (r *perTypeRegistry) ensureTable(q querier, typ string, cols []metaColumn) error {
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	if _, err := q.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, _content TEXT NOT NULL DEFAULT '')", table)); err != nil {
		return fmt.Errorf("graph: create type table %s: %w", table, err)
	}
	existing, err := tableColumns(q, table)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		have[c] = struct{}{}
	}
	for _, c := range cols {
		if _, ok := have[c.name]; ok {
			continue
		}
		if _, err := q.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", table, c.name)); err != nil {
			return fmt.Errorf("graph: add column %s.%s: %w", table, c.name, err)
		}
	}
	return nil
}

func (r *perTypeRegistry) fields(q querier, typ string) ([]string, error) {
	table, err := typeTableName(typ)
	if err != nil {
		return nil, err
	}
	cols, err := tableColumns(q, table)
	if err != nil || cols == nil {
		return nil, err
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "name" || c == "_content" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *perTypeRegistry) setFields(q querier, typ string, fields []string) error {
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	if err := r.ensureTable(q, typ, nil); err != nil {
		return err
	}
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
		if _, err := q.Exec(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, c)); err != nil {
			return fmt.Errorf("graph: drop column %s.%s: %w", table, c, err)
		}
	}
	// Add any frozen fields not yet observed so the set is exact.
	missing := make([]metaColumn, 0)
	have := make(map[string]struct{}, len(current))
	for _, c := range current {
		have[c] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := have[f]; !ok {
			missing = append(missing, metaColumn{name: f})
		}
	}
	return r.ensureTable(q, typ, missing)
}

func (r *perTypeRegistry) upsert(q querier, typ, name, content string, meta parser.Meta) error {
	cols, err := metaColumns(meta)
	if err != nil {
		return err
	}
	if err := r.ensureTable(q, typ, cols); err != nil {
		return err
	}
	table, _ := typeTableName(typ)

	names := []string{"name", "_content"}
	args := []any{name, content}
	for _, c := range cols {
		names = append(names, c.name)
		args = append(args, c.value)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	_, err = q.Exec(fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), placeholders), args...)
	if err != nil {
		return fmt.Errorf("graph: upsert %s/%s: %w", table, name, err)
	}
	return nil
}

func (r *perTypeRegistry) deleteRow(q querier, typ, name string) error {
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	if cols, err := tableColumns(q, table); err != nil || cols == nil {
		return err
	}
	if _, err := q.Exec(fmt.Sprintf("DELETE FROM %s WHERE name = ?", table), name); err != nil {
		return fmt.Errorf("graph: delete %s/%s: %w", table, name, err)
	}
	return nil
}

func (r *perTypeRegistry) readRow(q querier, typ, name string) (string, parser.Meta, error) {
	table, err := typeTableName(typ)
	if err != nil {
		return "", nil, err
	}
	content, meta, _, err := scanRowMeta(q, table, name, nil)
	return content, meta, err
}

func (r *perTypeRegistry) renameNode(q querier, typ, old, new string) error {
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	if _, err := q.Exec(fmt.Sprintf("UPDATE %s SET name = ? WHERE name = ?", table), new, old); err != nil {
		return fmt.Errorf("graph: rename %s/%s: %w", table, old, err)
	}
	return nil
}

func (r *perTypeRegistry) renameType(q querier, old, new string) error {
	oldTable, err := typeTableName(old)
	if err != nil {
		return err
	}
	newTable, err := typeTableName(new)
	if err != nil {
		return err
	}
	if cols, err := tableColumns(q, oldTable); err != nil || cols == nil {
		return err
	}
	if _, err := q.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", oldTable, newTable)); err != nil {
		return fmt.Errorf("graph: rename type table %s: %w", oldTable, err)
	}
	return nil
}

func (r *perTypeRegistry) migrateToUntyped(q querier, typ string) error {
	table, err := typeTableName(typ)
	if err != nil {
		return err
	}
	cols, err := tableColumns(q, table)
	if err != nil {
		return err
	}
	if cols != nil {
		if _, err := q.Exec(fmt.Sprintf(
			"INSERT OR REPLACE INTO untyped (name, _content) SELECT name, _content FROM %s", table)); err != nil {
			return fmt.Errorf("graph: migrate %s to untyped: %w", table, err)
		}
		if _, err := q.Exec(fmt.Sprintf("DROP TABLE %s", table)); err != nil {
			return fmt.Errorf("graph: drop type table %s: %w", table, err)
		}
	}
	return nil
}

func (r *perTypeRegistry) contentRows(q querier) ([]contentRow, error) {
	typRows, err := q.Query(`SELECT DISTINCT type FROM nodes ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("graph: list types: %w", err)
	}
	var typs []string
	for typRows.Next() {
		var t string
		if err := typRows.Scan(&t); err != nil {
			typRows.Close()
			return nil, err
		}
		typs = append(typs, t)
	}
	typRows.Close()

	var out []contentRow
	for _, t := range typs {
		table, err := typeTableName(t)
		if err != nil {
			continue
		}
		if cols, err := tableColumns(q, table); err != nil || cols == nil {
			continue
		}
		rows, err := q.Query(fmt.Sprintf("SELECT name, _content FROM %s ORDER BY name", table))
		if err != nil {
			return nil, fmt.Errorf("graph: scan %s: %w", table, err)
		}
		for rows.Next() {
			var name, content string
			if err := rows.Scan(&name, &content); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, contentRow{name: name, typ: t, content: content})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (r *perTypeRegistry) aliasSources(q querier, target string) ([]string, error) {
	cols, err := tableColumns(q, "untyped")
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
	rows, err := q.Query(`SELECT name FROM untyped WHERE link_target = ? ORDER BY name`, target)
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
