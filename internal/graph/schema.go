package graph

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/parser"
)

// listSep is the reserved separator joining list values inside a text
// column. Lists always carry a trailing separator so single-element and
// empty lists survive the round trip.
const listSep = "\x1f"

// querier is satisfied by *sql.DB and *sql.Tx so every schema and read
// operation can run either directly or inside a mutation's transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// registry materializes the emergent per-type schema in one of the two
// storage layouts. All methods take the querier they should run against.
type registry interface {
	init(q querier) error
	layout() string
	// fields returns the type's field columns in insertion order.
	fields(q querier, typ string) ([]string, error)
	// setFields pins the field set, dropping columns/values outside it.
	setFields(q querier, typ string, fields []string) error
	// upsert widens the schema with meta's keys and replaces the row.
	upsert(q querier, typ, name, content string, meta parser.Meta) error
	deleteRow(q querier, typ, name string) error
	// readRow returns the stored content and the typed metadata
	// projection. A missing row yields empty content and nil meta.
	readRow(q querier, typ, name string) (string, parser.Meta, error)
	renameNode(q querier, typ, old, new string) error
	renameType(q querier, old, new string) error
	// migrateToUntyped moves every row of typ into untyped storage,
	// keeping content and dropping the typed projection.
	migrateToUntyped(q querier, typ string) error
	// contentRows returns (name, content) for every stored node.
	contentRows(q querier) ([]contentRow, error)
	// aliasSources returns names of untyped alias nodes whose
	// link_target equals target.
	aliasSources(q querier, target string) ([]string, error)
}

type contentRow struct {
	name    string
	typ     string
	content string
}

// reservedTables are engine tables a type may never shadow. The untyped
// sentinel table is owned by the engine but is a valid type target.
var reservedTables = map[string]struct{}{
	"nodes":        {},
	"edges":        {},
	"types":        {},
	"changelog":    {},
	"meta":         {},
	"_data":        {},
	"_type_fields": {},
}

// sanitizeField maps a metadata key to a column identifier: lowercase,
// non-alphanumerics become underscores, a leading digit is prefixed.
func sanitizeField(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("graph: empty field name: %w", apperr.ErrSchemaConflict)
	}
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out, nil
}

// typeTableName maps a type to its table identifier and rejects reserved
// names.
func typeTableName(typ string) (string, error) {
	ident, err := sanitizeField(typ)
	if err != nil {
		return "", err
	}
	if _, reserved := reservedTables[ident]; reserved || strings.HasPrefix(ident, "sqlite_") {
		return "", fmt.Errorf("graph: reserved type name %q: %w", typ, apperr.ErrSchemaConflict)
	}
	return ident, nil
}

// metaColumn is one sanitized field with its encoded value.
type metaColumn struct {
	name  string
	value string
}

// metaColumns sanitizes every metadata key (except the reserved "type")
// and rejects collisions between distinct keys.
func metaColumns(meta parser.Meta) ([]metaColumn, error) {
	cols := make([]metaColumn, 0, len(meta))
	seen := make(map[string]string, len(meta))
	for _, f := range meta {
		if f.Key == "type" {
			continue
		}
		col, err := sanitizeField(f.Key)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[col]; dup {
			return nil, fmt.Errorf("graph: fields %q and %q collide on column %q: %w",
				prev, f.Key, col, apperr.ErrSchemaConflict)
		}
		seen[col] = f.Key
		cols = append(cols, metaColumn{name: col, value: encodeValue(f.Value)})
	}
	return cols, nil
}

func encodeValue(v parser.Value) string {
	if !v.IsList {
		return v.Text
	}
	if len(v.List) == 0 {
		return listSep
	}
	return strings.Join(v.List, listSep) + listSep
}

func decodeValue(s string) parser.Value {
	if !strings.HasSuffix(s, listSep) {
		return parser.Value{Text: s}
	}
	trimmed := strings.TrimSuffix(s, listSep)
	if trimmed == "" {
		return parser.Value{IsList: true, List: []string{}}
	}
	return parser.Value{IsList: true, List: strings.Split(trimmed, listSep)}
}

// tableColumns returns the table's column names in definition order, or
// nil when the table does not exist.
func tableColumns(q querier, table string) ([]string, error) {
	rows, err := q.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("graph: table_info %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// scanRowMeta reads one row by name from table and projects it onto the
// given field columns (nil = every non-engine column), decoding list
// values and skipping NULLs.
func scanRowMeta(q querier, table, name string, fieldFilter []string) (string, parser.Meta, bool, error) {
	cols, err := tableColumns(q, table)
	if err != nil || cols == nil {
		return "", nil, false, err
	}
	row := q.QueryRow(fmt.Sprintf("SELECT * FROM %s WHERE name = ?", table), name)
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("graph: read row %s/%s: %w", table, name, err)
	}

	var allowed map[string]struct{}
	if fieldFilter != nil {
		allowed = make(map[string]struct{}, len(fieldFilter))
		for _, f := range fieldFilter {
			allowed[f] = struct{}{}
		}
	}

	content := ""
	var meta parser.Meta
	order := cols
	if fieldFilter != nil {
		order = append([]string{}, fieldFilter...)
	}
	byName := make(map[string]sql.NullString, len(cols))
	for i, c := range cols {
		byName[c] = vals[i]
	}
	if v, ok := byName["_content"]; ok && v.Valid {
		content = v.String
	}
	for _, c := range order {
		if c == "name" || c == "_content" || c == "type" {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[c]; !ok {
				continue
			}
		}
		v, ok := byName[c]
		if !ok || !v.Valid {
			continue
		}
		meta = append(meta, parser.Field{Key: c, Value: decodeValue(v.String)})
	}
	return content, meta, true, nil
}
