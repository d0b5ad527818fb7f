package api

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/graph"
	"github.com/starford/othala/internal/models"
)

// Service exposes the graph's documented query and mutation operations
// to the API layer, plus replication against the configured replica.
type Service struct {
	g          *graph.Graph
	replicaDSN string
	scope      graph.Scope
}

// NewService creates a service over g. replicaDSN may be empty when no
// replica is configured.
func NewService(g *graph.Graph, replicaDSN string, scope graph.Scope) *Service {
	return &Service{g: g, replicaDSN: replicaDSN, scope: scope}
}

// Graph returns the underlying engine handle.
func (s *Service) Graph() *graph.Graph { return s.g }

// Node assembles the full read view of one node.
func (s *Service) Node(name string) (*NodeDetail, error) {
	content, err := s.g.Cat(name)
	if err != nil {
		return nil, err
	}
	info, err := s.g.Info(name)
	if err != nil {
		return nil, err
	}
	body, err := s.g.Body(name)
	if err != nil {
		return nil, err
	}
	links, err := s.g.Links(name)
	if err != nil {
		return nil, err
	}
	backlinks, err := s.g.Backlinks(name)
	if err != nil {
		return nil, err
	}

	fm := make([]FieldDTO, 0, len(info.Meta))
	for _, f := range info.Meta {
		fm = append(fm, FieldDTO{Key: f.Key, Value: f.Value.Strings(), IsList: f.Value.IsList})
	}
	return &NodeDetail{
		Name:        name,
		Type:        info.Type,
		Content:     content,
		Body:        body,
		Frontmatter: fm,
		Tags:        nonNilSlice(info.Tags),
		Links:       nonNilSlice(links),
		Backlinks:   nonNilSlice(backlinks),
	}, nil
}

// Create writes a new node and fails when the name is taken.
func (s *Service) Create(name, content string) (*NodeDetail, error) {
	exists, err := s.g.Exists(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("api: node %q: %w", name, apperr.ErrExists)
	}
	if err := s.g.Write(name, content); err != nil {
		return nil, err
	}
	return s.Node(name)
}

// Write upserts a node.
func (s *Service) Write(name, content string) (*NodeDetail, error) {
	if err := s.g.Write(name, content); err != nil {
		return nil, err
	}
	return s.Node(name)
}

// Delete removes a node.
func (s *Service) Delete(name string) error { return s.g.Rm(name) }

// Move renames a node.
func (s *Service) Move(old, new string) error { return s.g.Mv(old, new) }

// Copy deep-copies a node.
func (s *Service) Copy(src, dst string) error { return s.g.Cp(src, dst) }

// List returns node names of a type ("*" = all).
func (s *Service) List(typ string) ([]string, error) { return s.g.Ls(typ) }

// Read expands a node through its resolved links up to depth hops.
func (s *Service) Read(name string, depth int) ([]models.ReadSection, error) {
	return s.g.Read(name, depth)
}

// GraphData shapes the adjacency for graph consumers.
func (s *Service) GraphData() (*GraphResponse, error) {
	names, err := s.g.Ls("*")
	if err != nil {
		return nil, err
	}
	adj, err := s.g.GraphMap()
	if err != nil {
		return nil, err
	}
	resp := &GraphResponse{Nodes: []GraphNode{}, Links: []GraphLink{}}
	for _, n := range names {
		typ, err := s.g.TypeOf(n)
		if err != nil {
			return nil, err
		}
		resp.Nodes = append(resp.Nodes, GraphNode{ID: n, Type: typ})
	}
	for src, targets := range adj {
		for _, t := range targets {
			resp.Links = append(resp.Links, GraphLink{Source: src, Target: t})
		}
	}
	return resp, nil
}

// PushResult reports one replication push.
type PushResult struct {
	Seq      int64 `json:"seq"`
	Snapshot bool  `json:"snapshot"`
	Count    int   `json:"count,omitempty"`
}

// Push replays the changelog delta since seq to the replica. With the
// changelog disabled it degrades to a snapshot push, which is lossy for
// deletions.
func (s *Service) Push(sinceSeq int64) (*PushResult, error) {
	remote, err := s.openReplica()
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	seq, err := s.g.Push(remote, s.scope, sinceSeq)
	if err == nil {
		return &PushResult{Seq: seq}, nil
	}
	if !errors.Is(err, apperr.ErrChangelogDisabled) {
		return nil, err
	}
	count, err := s.g.PushSnapshot(remote, s.scope)
	if err != nil {
		return nil, err
	}
	return &PushResult{Seq: sinceSeq, Snapshot: true, Count: count}, nil
}

// Pull applies every scoped replica row locally, bypassing the
// changelog. Returns the number of rows applied.
func (s *Service) Pull() (int, error) {
	remote, err := s.openReplica()
	if err != nil {
		return 0, err
	}
	defer remote.Close()
	return s.g.Pull(remote, s.scope)
}

func (s *Service) openReplica() (*sql.DB, error) {
	if s.replicaDSN == "" {
		return nil, fmt.Errorf("api: no replica configured: %w", apperr.ErrNotFound)
	}
	remote, err := sql.Open("sqlite3", s.replicaDSN+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("api: open replica: %w", err)
	}
	if err := remote.Ping(); err != nil {
		remote.Close()
		return nil, fmt.Errorf("api: ping replica: %w", err)
	}
	return remote, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
