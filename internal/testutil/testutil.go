// Package testutil provides shared test helpers for setting up graphs
// and vault directories.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/othala/internal/graph"
	"github.com/starford/othala/internal/vault"
)

// TestGraph creates a temporary file-backed graph that is automatically
// cleaned up.
func TestGraph(t *testing.T, opts ...graph.Option) *graph.Graph {
	t.Helper()
	f, err := os.CreateTemp("", "othala-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	g, err := graph.Open(f.Name(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

// TestVault creates a temporary vault directory with an FS reader.
func TestVault(t *testing.T) (string, *vault.FS) {
	t.Helper()
	dir := t.TempDir()
	fs, err := vault.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, fs
}
