package graph

import (
	"encoding/json"
	"testing"

	"github.com/starford/othala/internal/models"
)

func TestChangelog_WriteLogged(t *testing.T) {
	g := testGraph(t)
	mustWrite(t, g, "note", "hello world")

	entries, err := g.Changelog(0, 0)
	if err != nil {
		t.Fatalf("Changelog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Op != models.OpNodeWrite || e.Subject != "note" {
		t.Errorf("entry = %+v", e)
	}
	var p struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Type != "untyped" || p.Content != "hello world" {
		t.Errorf("payload = %+v", p)
	}
}

func TestChangelog_AllOps(t *testing.T) {
	g := testGraph(t)
	if err := g.AddType("concept"); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, g, "a", "---\ntype: concept\n---\nA")
	if err := g.Cp("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.Mv("a", "a2"); err != nil {
		t.Fatal(err)
	}
	if err := g.Rm("b"); err != nil {
		t.Fatal(err)
	}

	entries, _ := g.Changelog(0, 0)
	var ops []string
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	want := []string{
		models.OpTypeAdd, models.OpNodeWrite, models.OpNodeCp, models.OpNodeMv, models.OpNodeRm,
	}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %q, want %q", i, ops[i], want[i])
		}
	}
}

func TestChangelog_TypeChangeLogged(t *testing.T) {
	g := testGraph(t)
	mustWrite(t, g, "n", "---\ntype: paper\n---\nP")
	mustWrite(t, g, "n", "---\ntype: book\n---\nB")

	entries, _ := g.Changelog(0, 0)
	var ops []string
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	// write, type_change, write
	if len(ops) != 3 || ops[1] != models.OpNodeTypeChange {
		t.Errorf("ops = %v", ops)
	}
}

func TestChangelog_SeqStrictlyIncreasing(t *testing.T) {
	g := testGraph(t)
	for _, n := range []string{"a", "b", "c", "d"} {
		mustWrite(t, g, n, "content "+n)
	}
	entries, _ := g.Changelog(0, 0)
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Errorf("seq not strictly increasing: %d then %d", entries[i-1].Seq, entries[i].Seq)
		}
	}
}

func TestChangelog_SinceAndLimit(t *testing.T) {
	g := testGraph(t)
	for _, n := range []string{"a", "b", "c"} {
		mustWrite(t, g, n, n)
	}
	all, _ := g.Changelog(0, 0)
	rest, _ := g.Changelog(all[0].Seq, 0)
	if len(rest) != 2 {
		t.Errorf("since first = %d entries, want 2", len(rest))
	}
	limited, _ := g.Changelog(0, 2)
	if len(limited) != 2 {
		t.Errorf("limit 2 = %d entries", len(limited))
	}
}

func TestChangelog_Truncate(t *testing.T) {
	g := testGraph(t)
	for _, n := range []string{"a", "b", "c"} {
		mustWrite(t, g, n, n)
	}
	entries, _ := g.Changelog(0, 0)
	midSeq := entries[1].Seq

	deleted, err := g.ChangelogTruncate(midSeq)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	remaining, _ := g.Changelog(0, 0)
	if len(remaining) != 2 || remaining[0].Seq != midSeq {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestChangelog_Disabled(t *testing.T) {
	g := testGraph(t, WithChangelog(false))
	mustWrite(t, g, "a", "content")
	if err := g.Rm("a"); err != nil {
		t.Fatalf("Rm with disabled changelog: %v", err)
	}

	entries, err := g.Changelog(0, 0)
	if err != nil {
		t.Fatalf("Changelog: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
	deleted, _ := g.ChangelogTruncate(999)
	if deleted != 0 {
		t.Errorf("truncate deleted %d, want 0", deleted)
	}
}

func TestChangelog_RmCarriesLastType(t *testing.T) {
	g := testGraph(t)
	mustWrite(t, g, "n", "---\ntype: concept\n---\nC")
	if err := g.Rm("n"); err != nil {
		t.Fatal(err)
	}
	entries, _ := g.Changelog(0, 0)
	last := entries[len(entries)-1]
	var p struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(last.Payload), &p)
	if p.Type != "concept" {
		t.Errorf("rm payload type = %q", p.Type)
	}
}
