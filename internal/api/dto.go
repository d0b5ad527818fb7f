package api

import "github.com/starford/othala/internal/models"

// WriteNodeRequest is the body for creating or updating a node.
type WriteNodeRequest struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// MoveRequest is the body for renaming a node.
type MoveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CopyRequest is the body for copying a node.
type CopyRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TypeRequest is the body for registering a type.
type TypeRequest struct {
	Name string `json:"name"`
}

// PushRequest is the body for a replication push.
type PushRequest struct {
	Since int64 `json:"since"`
}

// QueryRequest is the body for a raw SQL query.
type QueryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// QueryResponse carries raw query results.
type QueryResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// FieldDTO is one frontmatter entry, order preserved by the enclosing
// slice.
type FieldDTO struct {
	Key    string   `json:"key"`
	Value  []string `json:"value"`
	IsList bool     `json:"is_list"`
}

// NodeDetail is the full representation of a node.
type NodeDetail struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Content     string        `json:"content"`
	Body        string        `json:"body"`
	Frontmatter []FieldDTO    `json:"frontmatter"`
	Tags        []string      `json:"tags"`
	Links       []models.Link `json:"links"`
	Backlinks   []string      `json:"backlinks"`
}

// NodeListResponse wraps node listings.
type NodeListResponse struct {
	Nodes []string `json:"nodes"`
	Total int      `json:"total"`
}

// GraphNode is a node in the graph response.
type GraphNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// GraphLink is a resolved edge in the graph response.
type GraphLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// GraphResponse wraps the full resolved graph.
type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}
