package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/models"
	"github.com/starford/othala/internal/parser"
)

// Ls lists node names of a type, sorted. "*" lists every node.
func (g *Graph) Ls(typ string) ([]string, error) {
	v := g.view(g.db)
	if typ == "*" {
		return v.Nodes()
	}
	return v.NodesOfType(typ)
}

// Types returns the registered types, sorted.
func (g *Graph) Types() ([]string, error) {
	return g.view(g.db).scanNames(`SELECT name FROM types ORDER BY name`)
}

// Tree renders a type-grouped view of the graph with content previews.
func (g *Graph) Tree() (string, error) {
	v := g.view(g.db)
	types, err := g.Types()
	if err != nil {
		return "", err
	}

	var lines []string
	appendGroup := func(header string, names []string) error {
		lines = append(lines, header)
		for i, name := range names {
			connector := "├── "
			if i == len(names)-1 {
				connector = "└── "
			}
			content, err := v.cat(name)
			if err != nil {
				return err
			}
			body := parser.Parse(content).Body
			if body != "" {
				preview := body
				if len(preview) > 50 {
					preview = preview[:50] + "..."
				}
				lines = append(lines, connector+name+": "+strings.ReplaceAll(preview, "\n", " "))
			} else {
				lines = append(lines, connector+name)
			}
		}
		return nil
	}

	for _, t := range types {
		names, err := v.NodesOfType(t)
		if err != nil {
			return "", err
		}
		if err := appendGroup(t+"/", names); err != nil {
			return "", err
		}
	}
	untypedNames, err := v.NodesOfType(models.Untyped)
	if err != nil {
		return "", err
	}
	if len(untypedNames) > 0 {
		if err := appendGroup("(untyped)", untypedNames); err != nil {
			return "", err
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Find returns node names matching the name pattern (Go regexp, "" = any)
// and the type filter ("" = any), sorted.
func (g *Graph) Find(namePattern, typ string) ([]string, error) {
	var re *regexp.Regexp
	if namePattern != "" {
		var err error
		re, err = regexp.Compile(namePattern)
		if err != nil {
			return nil, fmt.Errorf("graph: find pattern: %w", err)
		}
	}
	v := g.view(g.db)
	var names []string
	var err error
	if typ != "" {
		names, err = v.NodesOfType(typ)
	} else {
		names, err = v.Nodes()
	}
	if err != nil {
		return nil, err
	}
	if re == nil {
		return names, nil
	}
	var out []string
	for _, n := range names {
		if re.MatchString(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// GrepOptions modulate Grep. Content additionally matches the stored
// document text; Lines switches to name:lineno:line output.
type GrepOptions struct {
	Type       string
	Content    bool
	IgnoreCase bool
	Invert     bool
	Lines      bool
}

// Grep matches pattern against node names (and optionally content).
func (g *Graph) Grep(pattern string, opt GrepOptions) ([]string, error) {
	expr := pattern
	if opt.IgnoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("graph: grep pattern: %w", err)
	}

	rows, err := g.reg.contentRows(g.db)
	if err != nil {
		return nil, err
	}
	if opt.Type != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.typ == opt.Type {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	var out []string
	if opt.Lines {
		for _, r := range rows {
			if r.content == "" {
				continue
			}
			for i, line := range strings.Split(r.content, "\n") {
				if re.MatchString(line) != opt.Invert {
					out = append(out, fmt.Sprintf("%s:%d:%s", r.name, i+1, line))
				}
			}
		}
		return out, nil
	}

	for _, r := range rows {
		matched := re.MatchString(r.name)
		if !matched && opt.Content && r.content != "" {
			matched = re.MatchString(r.content)
		}
		if matched != opt.Invert {
			out = append(out, r.name)
		}
	}
	return out, nil
}

// TagsOf returns the node's tags.
func (g *Graph) TagsOf(name string) ([]string, error) {
	meta, err := g.Frontmatter(name)
	if err != nil {
		return nil, err
	}
	return meta.Tags(), nil
}

// Tags returns the tag index: every tag mapped to the sorted node names
// carrying it.
func (g *Graph) Tags() (map[string][]string, error) {
	rows, err := g.reg.contentRows(g.db)
	if err != nil {
		return nil, err
	}
	v := g.view(g.db)
	out := make(map[string][]string)
	for _, r := range rows {
		meta, err := v.Frontmatter(r.name)
		if err != nil {
			return nil, err
		}
		for _, tag := range meta.Tags() {
			out[tag] = append(out[tag], r.name)
		}
	}
	for tag := range out {
		sort.Strings(out[tag])
	}
	return out, nil
}

// Schema returns every non-untyped type mapped to its ordered field set.
func (g *Graph) Schema() (map[string][]string, error) {
	types := make(map[string]struct{})
	registered, err := g.Types()
	if err != nil {
		return nil, err
	}
	for _, t := range registered {
		types[t] = struct{}{}
	}
	observed, err := g.view(g.db).scanNames(`SELECT DISTINCT type FROM nodes WHERE type != 'untyped'`)
	if err != nil {
		return nil, err
	}
	for _, t := range observed {
		types[t] = struct{}{}
	}

	out := make(map[string][]string, len(types))
	for t := range types {
		fields, err := g.reg.fields(g.db, t)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			fields = []string{}
		}
		out[t] = fields
	}
	return out, nil
}

// Fields returns the ordered field set of one type.
func (g *Graph) Fields(typ string) ([]string, error) {
	return g.reg.fields(g.db, typ)
}

// Wikilinks returns the node's resolved outgoing targets in source
// order; unresolved tokens are filtered out.
func (g *Graph) Wikilinks(name string) ([]string, error) {
	if exists, err := g.Exists(name); err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("graph: node %q: %w", name, apperr.ErrNotFound)
	}
	return g.view(g.db).ResolvedLinks(name)
}

// Links returns the node's raw outgoing edges with their current
// resolution, in source order.
func (g *Graph) Links(name string) ([]models.Link, error) {
	return g.view(g.db).links(name)
}

// Backlinks returns the nodes whose resolved outgoing edges include
// name, plus alias nodes targeting it.
func (g *Graph) Backlinks(name string) ([]string, error) {
	return g.view(g.db).Backlinks(name)
}

// ResolveWikilink maps a token to a canonical node name. fuzzy=false
// restricts resolution to an exact match.
func (g *Graph) ResolveWikilink(token string, fuzzy bool) (string, bool, error) {
	v := g.view(g.db)
	if !fuzzy {
		exists, err := v.Exists(token)
		if err != nil || !exists {
			return "", false, err
		}
		return token, true, nil
	}
	return v.resolve(token)
}

// GraphMap returns the full adjacency: every source mapped to its
// resolved targets in source order, unresolved targets skipped.
func (g *Graph) GraphMap() (map[string][]string, error) {
	v := g.view(g.db)
	rows, err := v.q.Query(`SELECT source, target FROM edges ORDER BY source, rowid`)
	if err != nil {
		return nil, fmt.Errorf("graph: adjacency: %w", err)
	}
	defer rows.Close()

	// Drain the cursor first: resolving needs the single pooled connection.
	var edges [][2]string
	for rows.Next() {
		var src, target string
		if err := rows.Scan(&src, &target); err != nil {
			return nil, err
		}
		edges = append(edges, [2]string{src, target})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	out := make(map[string][]string)
	for _, e := range edges {
		resolved, ok, err := v.resolve(e[1])
		if err != nil {
			return nil, err
		}
		if ok {
			out[e[0]] = append(out[e[0]], resolved)
		}
	}
	return out, nil
}
