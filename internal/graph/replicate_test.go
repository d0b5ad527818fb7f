package graph

import (
	"database/sql"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/starford/othala/internal/apperr"
)

func testRemote(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp("", "othala-remote-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	remote, err := sql.Open("sqlite3", f.Name()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open remote: %v", err)
	}
	remote.SetMaxOpenConns(1)
	t.Cleanup(func() { remote.Close() })
	return remote
}

func remoteCount(t *testing.T, remote *sql.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := remote.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("remote count: %v", err)
	}
	return n
}

func TestPush_Delta(t *testing.T) {
	g := testGraph(t)
	remote := testRemote(t)
	scope := Scope{"team": "eng", "user": "ada"}

	mustWrite(t, g, "sa", "---\ntype: concept\ndescription: d\n---\nLinks [[at]].")
	mustWrite(t, g, "at", "---\ntype: concept\n---\nBody.")

	seq, err := g.Push(remote, scope, 0)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	entries, _ := g.Changelog(0, 0)
	if seq != entries[len(entries)-1].Seq {
		t.Errorf("Push returned %d, want %d", seq, entries[len(entries)-1].Seq)
	}

	n := remoteCount(t, remote, `SELECT COUNT(*) FROM concept WHERE team = ? AND user = ?`, "eng", "ada")
	if n != 2 {
		t.Errorf("remote concept rows = %d, want 2", n)
	}
	var desc string
	if err := remote.QueryRow(
		`SELECT description FROM concept WHERE name = 'sa' AND team = 'eng'`).Scan(&desc); err != nil {
		t.Fatalf("remote field: %v", err)
	}
	if desc != "d" {
		t.Errorf("remote description = %q", desc)
	}
}

func TestPush_Idempotent(t *testing.T) {
	g := testGraph(t)
	remote := testRemote(t)
	scope := Scope{"team": "eng"}

	mustWrite(t, g, "a", "---\ntype: concept\n---\nA")
	mustWrite(t, g, "b", "---\ntype: concept\n---\nB")

	seq1, err := g.Push(remote, scope, 0)
	if err != nil {
		t.Fatalf("first push: %v", err)
	}
	seq2, err := g.Push(remote, scope, 0)
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if seq1 != seq2 {
		t.Errorf("seqs differ: %d vs %d", seq1, seq2)
	}
	n := remoteCount(t, remote, `SELECT COUNT(*) FROM concept`)
	if n != 2 {
		t.Errorf("remote rows = %d after re-push, want 2", n)
	}
}

func TestPush_ReplaysRmAndMv(t *testing.T) {
	g := testGraph(t)
	remote := testRemote(t)
	scope := Scope{"team": "eng"}

	mustWrite(t, g, "keep", "---\ntype: concept\n---\nK")
	mustWrite(t, g, "gone", "---\ntype: concept\n---\nG")
	mustWrite(t, g, "old", "---\ntype: concept\n---\nO")
	if err := g.Rm("gone"); err != nil {
		t.Fatal(err)
	}
	if err := g.Mv("old", "new"); err != nil {
		t.Fatal(err)
	}

	if _, err := g.Push(remote, scope, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM concept WHERE name = 'gone'`); n != 0 {
		t.Errorf("removed node still remote: %d", n)
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM concept WHERE name = 'new'`); n != 1 {
		t.Errorf("renamed node missing remotely")
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM concept WHERE name = 'old'`); n != 0 {
		t.Errorf("old name still remote")
	}
}

func TestPush_TypeChangeMovesRemoteRow(t *testing.T) {
	g := testGraph(t)
	remote := testRemote(t)
	scope := Scope{"team": "eng"}

	mustWrite(t, g, "n", "---\ntype: paper\n---\nP")
	if _, err := g.Push(remote, scope, 0); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, g, "n", "---\ntype: book\n---\nB")
	if _, err := g.Push(remote, scope, 0); err != nil {
		t.Fatal(err)
	}

	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM paper WHERE name = 'n'`); n != 0 {
		t.Errorf("row still in old remote type table")
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM book WHERE name = 'n'`); n != 1 {
		t.Errorf("row missing in new remote type table")
	}
}

func TestPush_SinceSkipsApplied(t *testing.T) {
	g := testGraph(t)
	remote := testRemote(t)
	scope := Scope{"team": "eng"}

	mustWrite(t, g, "a", "A")
	seq, err := g.Push(remote, scope, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, g, "b", "B")
	seq2, err := g.Push(remote, scope, seq)
	if err != nil {
		t.Fatal(err)
	}
	if seq2 <= seq {
		t.Errorf("seq did not advance: %d -> %d", seq, seq2)
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM untyped`); n != 2 {
		t.Errorf("remote untyped rows = %d", n)
	}
}

func TestPush_ChangelogDisabled(t *testing.T) {
	g := testGraph(t, WithChangelog(false))
	remote := testRemote(t)
	mustWrite(t, g, "a", "A")

	if _, err := g.Push(remote, Scope{"team": "x"}, 0); !errors.Is(err, apperr.ErrChangelogDisabled) {
		t.Errorf("Push = %v, want ErrChangelogDisabled", err)
	}

	count, err := g.PushSnapshot(remote, Scope{"team": "x"})
	if err != nil {
		t.Fatalf("PushSnapshot: %v", err)
	}
	if count != 1 {
		t.Errorf("snapshot count = %d", count)
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM untyped WHERE team = 'x'`); n != 1 {
		t.Errorf("remote rows = %d", n)
	}
}

func TestPull_ByScope(t *testing.T) {
	src := testGraph(t)
	dst := testGraph(t)
	remote := testRemote(t)

	mustWrite(t, src, "a", "---\ntype: concept\ndescription: d\n---\nLinks [[b]].")
	mustWrite(t, src, "b", "---\ntype: concept\n---\nB")
	if _, err := src.Push(remote, Scope{"team": "eng"}, 0); err != nil {
		t.Fatal(err)
	}
	// A second tenant's rows must not be pulled.
	other := testGraph(t)
	mustWrite(t, other, "foreign", "F")
	if _, err := other.Push(remote, Scope{"team": "ops"}, 0); err != nil {
		t.Fatal(err)
	}

	count, err := dst.Pull(remote, Scope{"team": "eng"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if count != 2 {
		t.Errorf("pulled %d rows, want 2", count)
	}
	content, err := dst.Cat("a")
	if err != nil {
		t.Fatalf("Cat after pull: %v", err)
	}
	srcContent, _ := src.Cat("a")
	if content != srcContent {
		t.Errorf("pulled content = %q, want %q", content, srcContent)
	}
	if exists, _ := dst.Exists("foreign"); exists {
		t.Error("pulled a row outside the scope")
	}
	links, _ := dst.Wikilinks("a")
	if !reflect.DeepEqual(links, []string{"b"}) {
		t.Errorf("Wikilinks after pull = %v", links)
	}
}

func TestPull_BypassesChangelog(t *testing.T) {
	src := testGraph(t)
	dst := testGraph(t)
	remote := testRemote(t)

	mustWrite(t, src, "a", "A")
	if _, err := src.Push(remote, Scope{"team": "eng"}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.Pull(remote, Scope{"team": "eng"}); err != nil {
		t.Fatal(err)
	}

	entries, _ := dst.Changelog(0, 0)
	if len(entries) != 0 {
		t.Errorf("pull appended %d changelog entries, want 0", len(entries))
	}
	// Locally-authored writes still log.
	mustWrite(t, dst, "local", "L")
	entries, _ = dst.Changelog(0, 0)
	if len(entries) != 1 {
		t.Errorf("local write entries = %d, want 1", len(entries))
	}
}

func TestPush_RemoveTypeMigratesRemote(t *testing.T) {
	g := testGraph(t)
	remote := testRemote(t)
	scope := Scope{"team": "eng"}

	mustWrite(t, g, "c", "---\ntype: concept\n---\nC")
	if _, err := g.Push(remote, scope, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.RemoveType("concept"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Push(remote, scope, 0); err != nil {
		t.Fatalf("Push after remove_type: %v", err)
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM concept`); n != 0 {
		t.Errorf("concept rows remain remotely: %d", n)
	}
	if n := remoteCount(t, remote, `SELECT COUNT(*) FROM untyped WHERE name = 'c'`); n != 1 {
		t.Errorf("migrated row missing in remote untyped table")
	}
}
