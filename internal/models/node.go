// Package models defines the domain types for Othala.
package models

import (
	"time"

	"github.com/starford/othala/internal/parser"
)

// Changelog operation kinds.
const (
	OpNodeWrite      = "node.write"
	OpNodeRm         = "node.rm"
	OpNodeMv         = "node.mv"
	OpNodeCp         = "node.cp"
	OpNodeTypeChange = "node.type_change"
	OpTypeAdd        = "type.add"
	OpTypeRm         = "type.rm"
)

// Untyped is the sentinel type assigned to nodes whose header carries no
// "type" key.
const Untyped = "untyped"

// Info is the metadata summary of a node.
type Info struct {
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Meta          parser.Meta `json:"-"`
	Fields        []string    `json:"fields"`
	Tags          []string    `json:"tags"`
	ContentLength int         `json:"content_length"`
	HasContent    bool        `json:"has_content"`
}

// Link is one outgoing wikilink edge of a node. Resolved is empty when the
// target token does not currently resolve to a node.
type Link struct {
	Target   string `json:"target"`
	Resolved string `json:"resolved,omitempty"`
}

// ChangeEntry is one changelog row.
type ChangeEntry struct {
	Seq     int64     `json:"seq"`
	TS      time.Time `json:"ts"`
	Op      string    `json:"op"`
	Subject string    `json:"subject"`
	Payload string    `json:"payload"`
}

// ReadSection is one node in a depth-bounded read, in traversal order.
type ReadSection struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}
