package graph

import (
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/models"
	"github.com/starford/othala/internal/parser"
	"github.com/starford/othala/internal/validate"
)

// view is the read surface over a querier. Graph reads go through a view
// on the live connection; the gatekeeper reads through a view on the
// mutation's transaction so rules see the post-state.
type view struct {
	q   querier
	reg registry
}

func (g *Graph) view(q querier) *view {
	return &view{q: q, reg: g.reg}
}

var _ validate.Graph = (*view)(nil)

func (v *view) Nodes() ([]string, error) {
	return v.scanNames(`SELECT name FROM nodes ORDER BY name`)
}

func (v *view) NodesOfType(typ string) ([]string, error) {
	return v.scanNames(`SELECT name FROM nodes WHERE type = ? ORDER BY name`, typ)
}

func (v *view) scanNames(query string, args ...any) ([]string, error) {
	rows, err := v.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: list nodes: %w", err)
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

func (v *view) Exists(name string) (bool, error) {
	var one int
	err := v.q.QueryRow(`SELECT 1 FROM nodes WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("graph: exists %s: %w", name, err)
	}
	return true, nil
}

func (v *view) TypeOf(name string) (string, error) {
	var typ string
	err := v.q.QueryRow(`SELECT type FROM nodes WHERE name = ?`, name).Scan(&typ)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("graph: node %q: %w", name, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("graph: type of %s: %w", name, err)
	}
	return typ, nil
}

func (v *view) Frontmatter(name string) (parser.Meta, error) {
	typ, err := v.TypeOf(name)
	if err != nil {
		return nil, err
	}
	_, meta, err := v.reg.readRow(v.q, typ, name)
	return meta, err
}

// cat returns the stored raw content, byte-for-byte what was written.
func (v *view) cat(name string) (string, error) {
	typ, err := v.TypeOf(name)
	if err != nil {
		return "", err
	}
	content, _, err := v.reg.readRow(v.q, typ, name)
	return content, err
}

// Links returns the raw outgoing wikilink tokens in source order.
func (v *view) Links(name string) ([]string, error) {
	return v.scanNames(`SELECT target FROM edges WHERE source = ? ORDER BY rowid`, name)
}

// ResolvedLinks returns the outgoing targets that currently resolve,
// mapped to canonical node names, in source order.
func (v *view) ResolvedLinks(name string) ([]string, error) {
	links, err := v.links(name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range links {
		if l.Resolved != "" {
			out = append(out, l.Resolved)
		}
	}
	return out, nil
}

// links returns every outgoing edge with its current resolution.
func (v *view) links(name string) ([]models.Link, error) {
	targets, err := v.Links(name)
	if err != nil {
		return nil, err
	}
	out := make([]models.Link, 0, len(targets))
	for _, t := range targets {
		resolved, _, err := v.resolve(t)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Link{Target: t, Resolved: resolved})
	}
	return out, nil
}

// Backlinks returns the sources whose resolved outgoing edges include
// name, plus alias nodes targeting it.
func (v *view) Backlinks(name string) ([]string, error) {
	rows, err := v.q.Query(`SELECT DISTINCT target FROM edges`)
	if err != nil {
		return nil, fmt.Errorf("graph: backlinks %s: %w", name, err)
	}
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, err
		}
		tokens = append(tokens, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var matched []string
	for _, t := range tokens {
		resolved, _, err := v.resolve(t)
		if err != nil {
			return nil, err
		}
		if resolved == name {
			matched = append(matched, t)
		}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(n string) {
		if _, dup := seen[n]; !dup {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	if len(matched) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(matched)), ", ")
		args := make([]any, len(matched))
		for i, t := range matched {
			args[i] = t
		}
		srcs, err := v.scanNames(fmt.Sprintf(
			`SELECT source FROM edges WHERE target IN (%s) ORDER BY source`, placeholders), args...)
		if err != nil {
			return nil, err
		}
		for _, s := range srcs {
			add(s)
		}
	}

	aliases, err := v.reg.aliasSources(v.q, name)
	if err != nil {
		return nil, err
	}
	for _, a := range aliases {
		add(a)
	}
	return out, nil
}

// resolve maps a wikilink token to a canonical node name: exact match,
// then case-insensitive, then normalized. Returns ("", false, nil) when
// unresolved.
func (v *view) resolve(token string) (string, bool, error) {
	var name string
	err := v.q.QueryRow(`SELECT name FROM nodes WHERE name = ?`, token).Scan(&name)
	if err == nil {
		return name, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("graph: resolve %q: %w", token, err)
	}

	names, err := v.Nodes()
	if err != nil {
		return "", false, err
	}
	lower := strings.ToLower(token)
	for _, n := range names {
		if strings.ToLower(n) == lower {
			return n, true, nil
		}
	}
	norm := normalizeName(token)
	for _, n := range names {
		if normalizeName(n) == norm {
			return n, true, nil
		}
	}
	return "", false, nil
}

// normalizeName lowercases and collapses runs of hyphens, underscores,
// and whitespace into a single hyphen.
func normalizeName(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(s) {
		if r == '-' || r == '_' || unicode.IsSpace(r) {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}
