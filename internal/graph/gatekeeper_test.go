package graph

import (
	"errors"
	"testing"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/validate"
)

func TestGatekeeper_RejectsInvalidWrite(t *testing.T) {
	g := testGraph(t)
	v := validate.New().Add(validate.RequiresField("concept", "description"))
	if err := g.SetValidator(v); err != nil {
		t.Fatalf("SetValidator: %v", err)
	}

	err := g.Write("c1", "---\ntype: concept\n---\nno description")
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("Write = %v, want ErrInvalid", err)
	}
	var verr *validate.Error
	if !errors.As(err, &verr) || len(verr.Violations) != 1 {
		t.Fatalf("violations = %+v", verr)
	}
	if verr.Violations[0].Rule != "requires_field" {
		t.Errorf("rule = %q", verr.Violations[0].Rule)
	}
}

func TestGatekeeper_NoPartialWrites(t *testing.T) {
	g := testGraph(t)
	v := validate.New().Add(validate.RequiresField("concept", "description"))
	if err := g.SetValidator(v); err != nil {
		t.Fatal(err)
	}

	err := g.Write("c1", "---\ntype: concept\nstray: s\n---\nSee [[other]].")
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("Write = %v, want ErrInvalid", err)
	}

	// Nothing persisted: node, edges, schema, changelog.
	if exists, _ := g.Exists("c1"); exists {
		t.Error("node row persisted")
	}
	_, rows, _ := g.Query(`SELECT COUNT(*) FROM edges`)
	if rows[0][0].(int64) != 0 {
		t.Error("edges persisted")
	}
	entries, _ := g.Changelog(0, 0)
	if len(entries) != 0 {
		t.Errorf("changelog entries = %d, want 0", len(entries))
	}
	schema, _ := g.Schema()
	if len(schema["concept"]) != 0 {
		t.Errorf("schema widened despite rollback: %v", schema["concept"])
	}
}

func TestGatekeeper_ValidWritePasses(t *testing.T) {
	g := testGraph(t)
	v := validate.New().Add(validate.RequiresField("concept", "description"))
	if err := g.SetValidator(v); err != nil {
		t.Fatal(err)
	}
	if err := g.Write("c1", "---\ntype: concept\ndescription: yes\n---\nok"); err != nil {
		t.Fatalf("valid write rejected: %v", err)
	}
	// Untyped nodes are outside the rule's type filter.
	if err := g.Write("plain", "freeform"); err != nil {
		t.Fatalf("untyped write rejected: %v", err)
	}
}

func TestGatekeeper_CollectsAllViolations(t *testing.T) {
	g := testGraph(t)
	v := validate.New().
		Add(validate.RequiresField("concept", "description")).
		Add(validate.RequiresTag("concept", "reviewed"))
	if err := g.SetValidator(v); err != nil {
		t.Fatal(err)
	}

	err := g.Write("c1", "---\ntype: concept\n---\nmissing both")
	var verr *validate.Error
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	if len(verr.Violations) != 2 {
		t.Errorf("violations = %d, want 2 (no short-circuit)", len(verr.Violations))
	}
}

func TestGatekeeper_GuardsCp(t *testing.T) {
	g := testGraph(t)
	mustWrite(t, g, "src", "---\ntype: concept\n---\nno description here")

	v := validate.New().Add(validate.RequiresField("concept", "description"))
	if err := g.SetValidator(v); err != nil {
		t.Fatal(err)
	}

	// The copy re-enters the write path, so the post-state check sees the
	// pre-existing violation and aborts the whole transaction.
	err := g.Cp("src", "copy")
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("Cp = %v, want ErrInvalid", err)
	}
	if exists, _ := g.Exists("copy"); exists {
		t.Error("rejected copy persisted")
	}
}

func TestGatekeeper_RequiresLinkUnresolvedIsMissing(t *testing.T) {
	g := testGraph(t)
	mustWrite(t, g, "person1", "---\ntype: person\n---\nP")

	v := validate.New().Add(validate.RequiresLink("paper", "person"))
	if err := g.SetValidator(v); err != nil {
		t.Fatal(err)
	}

	// Link token that resolves to nothing counts as missing.
	err := g.Write("p1", "---\ntype: paper\n---\nCites [[nobody]].")
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("unresolved link accepted: %v", err)
	}

	// A resolved link to the right type passes.
	if err := g.Write("p2", "---\ntype: paper\n---\nCites [[person1]]."); err != nil {
		t.Errorf("resolved link rejected: %v", err)
	}
}

func TestClearValidator(t *testing.T) {
	g := testGraph(t)
	v := validate.New().Add(validate.RequiresField("concept", "description"))
	if err := g.SetValidator(v); err != nil {
		t.Fatal(err)
	}
	if err := g.Write("c1", "---\ntype: concept\n---\nX"); err == nil {
		t.Fatal("gatekeeper inactive")
	}
	g.ClearValidator()
	if err := g.Write("c1", "---\ntype: concept\n---\nX"); err != nil {
		t.Errorf("write after clear = %v", err)
	}
}

func TestCheck_WholeGraph(t *testing.T) {
	g := testGraph(t)
	mustWrite(t, g, "a", "---\ntype: concept\n---\nno description")

	v := validate.New().Add(validate.RequiresField("concept", "description"))
	err := g.Check(v)
	var verr *validate.Error
	if !errors.As(err, &verr) || len(verr.Violations) != 1 {
		t.Fatalf("Check = %v", err)
	}
	if verr.Violations[0].Node != "a" {
		t.Errorf("violating node = %q", verr.Violations[0].Node)
	}
}
