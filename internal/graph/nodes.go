package graph

import (
	"fmt"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/models"
	"github.com/starford/othala/internal/parser"
)

// Write parses content, widens the type's schema with any new metadata
// keys, replaces the typed row and the outgoing edges, and appends a
// node.write entry. A node changing type first leaves its old typed
// storage with a node.type_change entry.
func (g *Graph) Write(name, content string) error {
	if err := validNodeName(name); err != nil {
		return err
	}
	return g.mutate(func(tx querier) ([]event, error) {
		return g.applyWrite(tx, name, content, true)
	})
}

// Touch creates the node when absent and is a no-op otherwise.
func (g *Graph) Touch(name, content string) error {
	if err := validNodeName(name); err != nil {
		return err
	}
	exists, err := g.view(g.db).Exists(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return g.Write(name, content)
}

// applyWrite is the shared write path. logChange=false bypasses the
// changelog (used by replication pull).
func (g *Graph) applyWrite(tx querier, name, content string, logChange bool) ([]event, error) {
	res := parser.Parse(content)
	typ := res.Meta.Type()
	if typ == "" {
		typ = models.Untyped
	}
	if _, err := typeTableName(typ); err != nil {
		return nil, err
	}

	v := g.view(tx)
	oldType := ""
	if exists, err := v.Exists(name); err != nil {
		return nil, err
	} else if exists {
		oldType, err = v.TypeOf(name)
		if err != nil {
			return nil, err
		}
	}

	var events []event
	if oldType != "" && oldType != typ {
		if err := g.reg.deleteRow(tx, oldType, name); err != nil {
			return nil, err
		}
		if logChange {
			if err := g.appendChange(tx, models.OpNodeTypeChange, name,
				typeChangePayload{OldType: oldType, NewType: typ}); err != nil {
				return nil, err
			}
		}
		events = append(events, event{models.OpNodeTypeChange, name})
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO nodes (name, type) VALUES (?, ?)`, name, typ); err != nil {
		return nil, fmt.Errorf("graph: upsert node index: %w", err)
	}
	if typ != models.Untyped {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO types (name) VALUES (?)`, typ); err != nil {
			return nil, fmt.Errorf("graph: register type: %w", err)
		}
	}
	if err := g.reg.upsert(tx, typ, name, content, res.Meta); err != nil {
		return nil, err
	}
	if err := syncEdges(tx, name, res.Links); err != nil {
		return nil, err
	}
	if logChange {
		if err := g.appendChange(tx, models.OpNodeWrite, name,
			writePayload{Type: typ, Content: content}); err != nil {
			return nil, err
		}
	}
	return append(events, event{models.OpNodeWrite, name}), nil
}

// syncEdges replaces the node's outgoing edges with the extracted set.
func syncEdges(tx querier, name string, targets []string) error {
	if _, err := tx.Exec(`DELETE FROM edges WHERE source = ?`, name); err != nil {
		return fmt.Errorf("graph: clear edges: %w", err)
	}
	for _, t := range targets {
		if _, err := tx.Exec(`INSERT INTO edges (source, target) VALUES (?, ?)`, name, t); err != nil {
			return fmt.Errorf("graph: insert edge: %w", err)
		}
	}
	return nil
}

// Rm deletes the node from its typed storage, the node index, and its
// outgoing edges. Backlinks pointing at it remain as unresolved edges.
func (g *Graph) Rm(name string) error {
	return g.mutate(func(tx querier) ([]event, error) {
		v := g.view(tx)
		typ, err := v.TypeOf(name)
		if err != nil {
			return nil, err
		}
		if err := g.reg.deleteRow(tx, typ, name); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM edges WHERE source = ?`, name); err != nil {
			return nil, fmt.Errorf("graph: delete edges: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM nodes WHERE name = ?`, name); err != nil {
			return nil, fmt.Errorf("graph: delete node: %w", err)
		}
		if err := g.appendChange(tx, models.OpNodeRm, name, rmPayload{Type: typ}); err != nil {
			return nil, err
		}
		return []event{{models.OpNodeRm, name}}, nil
	})
}

// Mv atomically renames a node, rewriting the source of its outgoing
// edges. Renaming onto itself is a no-op; the destination must be free.
func (g *Graph) Mv(old, new string) error {
	if err := validNodeName(new); err != nil {
		return err
	}
	if old == new {
		v := g.view(g.db)
		if exists, err := v.Exists(old); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("graph: node %q: %w", old, apperr.ErrNotFound)
		}
		return nil
	}
	return g.mutate(func(tx querier) ([]event, error) {
		v := g.view(tx)
		typ, err := v.TypeOf(old)
		if err != nil {
			return nil, err
		}
		if exists, err := v.Exists(new); err != nil {
			return nil, err
		} else if exists {
			return nil, fmt.Errorf("graph: node %q: %w", new, apperr.ErrExists)
		}
		if err := g.reg.renameNode(tx, typ, old, new); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`UPDATE nodes SET name = ? WHERE name = ?`, new, old); err != nil {
			return nil, fmt.Errorf("graph: rename node: %w", err)
		}
		if _, err := tx.Exec(`UPDATE edges SET source = ? WHERE source = ?`, new, old); err != nil {
			return nil, fmt.Errorf("graph: rewrite edge sources: %w", err)
		}
		if err := g.appendChange(tx, models.OpNodeMv, new, mvPayload{OldName: old, Type: typ}); err != nil {
			return nil, err
		}
		return []event{{models.OpNodeMv, new}}, nil
	})
}

// Cp deep-copies a node: row, metadata, body, and outgoing edges.
func (g *Graph) Cp(src, dst string) error {
	if err := validNodeName(dst); err != nil {
		return err
	}
	return g.mutate(func(tx querier) ([]event, error) {
		v := g.view(tx)
		content, err := v.cat(src)
		if err != nil {
			return nil, err
		}
		if exists, err := v.Exists(dst); err != nil {
			return nil, err
		} else if exists || src == dst {
			return nil, fmt.Errorf("graph: node %q: %w", dst, apperr.ErrExists)
		}
		if _, err := g.applyWrite(tx, dst, content, false); err != nil {
			return nil, err
		}
		typ, err := v.TypeOf(dst)
		if err != nil {
			return nil, err
		}
		if err := g.appendChange(tx, models.OpNodeCp, dst,
			cpPayload{Source: src, Type: typ, Content: content}); err != nil {
			return nil, err
		}
		return []event{{models.OpNodeCp, dst}}, nil
	})
}

// Ln creates an alias node pointing at source through the link_target
// metadata key. Aliases are untyped and show up in the target's
// backlinks.
func (g *Graph) Ln(source, dest string) error {
	if err := validNodeName(dest); err != nil {
		return err
	}
	exists, err := g.view(g.db).Exists(dest)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("graph: node %q: %w", dest, apperr.ErrExists)
	}
	return g.Write(dest, "---\nlink_target: "+source+"\n---\n")
}

// AddType registers a type explicitly. Idempotent; only the first
// registration is logged.
func (g *Graph) AddType(typ string) error {
	if _, err := typeTableName(typ); err != nil {
		return err
	}
	return g.mutate(func(tx querier) ([]event, error) {
		res, err := tx.Exec(`INSERT OR IGNORE INTO types (name) VALUES (?)`, typ)
		if err != nil {
			return nil, fmt.Errorf("graph: add type: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil
		}
		if err := g.appendChange(tx, models.OpTypeAdd, typ, nil); err != nil {
			return nil, err
		}
		return []event{{models.OpTypeAdd, typ}}, nil
	})
}

// RemoveType drops the type and migrates its nodes to untyped, keeping
// their content and discarding the typed projection.
func (g *Graph) RemoveType(typ string) error {
	if _, err := typeTableName(typ); err != nil {
		return err
	}
	return g.mutate(func(tx querier) ([]event, error) {
		var registered int
		_ = tx.QueryRow(`SELECT 1 FROM types WHERE name = ?`, typ).Scan(&registered)
		var nodeCount int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM nodes WHERE type = ?`, typ).Scan(&nodeCount); err != nil {
			return nil, fmt.Errorf("graph: count nodes: %w", err)
		}
		if registered == 0 && nodeCount == 0 {
			return nil, fmt.Errorf("graph: type %q: %w", typ, apperr.ErrNotFound)
		}
		if err := g.reg.migrateToUntyped(tx, typ); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`UPDATE nodes SET type = 'untyped' WHERE type = ?`, typ); err != nil {
			return nil, fmt.Errorf("graph: retype nodes: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM types WHERE name = ?`, typ); err != nil {
			return nil, fmt.Errorf("graph: drop type: %w", err)
		}
		if err := g.appendChange(tx, models.OpTypeRm, typ, nil); err != nil {
			return nil, err
		}
		return []event{{models.OpTypeRm, typ}}, nil
	})
}

// RenameType renames a registered type in place: its storage, the node
// index, and the type registry. A schema-registry operation, not a
// replicated mutation.
func (g *Graph) RenameType(old, new string) error {
	if _, err := typeTableName(new); err != nil {
		return err
	}
	return g.mutate(func(tx querier) ([]event, error) {
		if err := g.reg.renameType(tx, old, new); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`UPDATE nodes SET type = ? WHERE type = ?`, new, old); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`UPDATE types SET name = ? WHERE name = ?`, new, old); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// Exists reports whether the node is present.
func (g *Graph) Exists(name string) (bool, error) {
	return g.view(g.db).Exists(name)
}

// Cat returns the stored content, byte-for-byte what was written.
func (g *Graph) Cat(name string) (string, error) {
	return g.view(g.db).cat(name)
}

// Body returns the content after the frontmatter header.
func (g *Graph) Body(name string) (string, error) {
	content, err := g.Cat(name)
	if err != nil {
		return "", err
	}
	return parser.Parse(content).Body, nil
}

// Frontmatter returns the node's typed metadata projection.
func (g *Graph) Frontmatter(name string) (parser.Meta, error) {
	return g.view(g.db).Frontmatter(name)
}

// TypeOf returns the node's type (the untyped sentinel when it carries
// no type key).
func (g *Graph) TypeOf(name string) (string, error) {
	return g.view(g.db).TypeOf(name)
}

// Info returns the node's metadata summary.
func (g *Graph) Info(name string) (*models.Info, error) {
	v := g.view(g.db)
	typ, err := v.TypeOf(name)
	if err != nil {
		return nil, err
	}
	content, meta, err := g.reg.readRow(v.q, typ, name)
	if err != nil {
		return nil, err
	}
	return &models.Info{
		Name:          name,
		Type:          typ,
		Meta:          meta,
		Fields:        meta.Keys(),
		Tags:          meta.Tags(),
		ContentLength: len(content),
		HasContent:    content != "",
	}, nil
}

// Read expands name breadth-first through resolved outgoing edges up to
// depth hops. Revisits and cycles are suppressed; a diamond join appears
// once.
func (g *Graph) Read(name string, depth int) ([]models.ReadSection, error) {
	v := g.view(g.db)
	if exists, err := v.Exists(name); err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("graph: node %q: %w", name, apperr.ErrNotFound)
	}

	type hop struct {
		name string
		dist int
	}
	visited := map[string]struct{}{name: {}}
	queue := []hop{{name, 0}}
	var out []models.ReadSection
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		content, err := v.cat(cur.name)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ReadSection{Name: cur.name, Content: content})
		if cur.dist >= depth {
			continue
		}
		targets, err := v.ResolvedLinks(cur.name)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			if _, seen := visited[t]; seen {
				continue
			}
			visited[t] = struct{}{}
			queue = append(queue, hop{t, cur.dist + 1})
		}
	}
	return out, nil
}
