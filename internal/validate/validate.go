// Package validate implements the composable rule engine that can gate
// graph writes. A Validator is an ordered list of rules; each rule
// inspects nodes through the read-only Graph interface and reports
// violations. Installed on a graph it acts as a gatekeeper: every
// mutation is validated against the post-state inside the mutation's
// transaction and rolled back when violations exist.
package validate

import (
	"fmt"
	"strings"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/parser"
)

// Graph is the read surface rules evaluate against. During a gatekeeper
// check it is backed by the open transaction, so rules see the
// hypothetical post-state.
type Graph interface {
	Nodes() ([]string, error)
	NodesOfType(typ string) ([]string, error)
	TypeOf(name string) (string, error)
	Exists(name string) (bool, error)
	Frontmatter(name string) (parser.Meta, error)
	Links(name string) ([]string, error)
	ResolvedLinks(name string) ([]string, error)
	Backlinks(name string) ([]string, error)
}

// Violation is one failed rule on one node.
type Violation struct {
	Node    string `json:"node"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: [%s] %s", v.Node, v.Rule, v.Message)
}

// Error carries every violation found by a check. It unwraps to
// apperr.ErrInvalid so callers can errors.Is against the sentinel.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d violation(s):", len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("\n  - ")
		b.WriteString(v.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return apperr.ErrInvalid }

// CheckFunc evaluates one rule for one node.
type CheckFunc func(g Graph, name string, meta parser.Meta) []Violation

// Rule is a named constraint, optionally filtered to one type. A non-nil
// FrozenFields marks a freeze_schema rule: installing the validator pins
// the type's field set to exactly those fields.
type Rule struct {
	Name         string
	Type         string
	FrozenFields []string
	Check        CheckFunc
}

// Validator is an ordered collection of rules.
type Validator struct {
	rules []Rule
}

// New returns an empty Validator.
func New() *Validator { return &Validator{} }

// Add appends a rule. Returns the validator for chaining.
func (v *Validator) Add(r Rule) *Validator {
	v.rules = append(v.rules, r)
	return v
}

// Rules returns the rule list in insertion order.
func (v *Validator) Rules() []Rule { return v.rules }

// Validate runs every rule against g and collects all violations; rules
// are never short-circuited.
func (v *Validator) Validate(g Graph) ([]Violation, error) {
	var out []Violation
	for _, rule := range v.rules {
		var names []string
		var err error
		if rule.Type == "" {
			names, err = g.Nodes()
		} else {
			names, err = g.NodesOfType(rule.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("validate: list nodes: %w", err)
		}
		for _, name := range names {
			meta, err := g.Frontmatter(name)
			if err != nil {
				return nil, fmt.Errorf("validate: frontmatter %s: %w", name, err)
			}
			out = append(out, rule.Check(g, name, meta)...)
		}
	}
	return out, nil
}

// Check runs Validate and returns an *Error when violations exist.
func (v *Validator) Check(g Graph) error {
	violations, err := v.Validate(g)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return &Error{Violations: violations}
	}
	return nil
}

// RequiresField requires field to be present and non-empty on every node
// of typ ("" = every node).
func RequiresField(typ, field string) Rule {
	return Rule{
		Name: "requires_field",
		Type: typ,
		Check: func(_ Graph, name string, meta parser.Meta) []Violation {
			val, ok := meta.Get(field)
			if !ok || val.Empty() {
				return []Violation{{name, "requires_field", fmt.Sprintf("missing field %q", field)}}
			}
			return nil
		},
	}
}

// RequiresTag requires tag to appear in the node's tags.
func RequiresTag(typ, tag string) Rule {
	return Rule{
		Name: "requires_tag",
		Type: typ,
		Check: func(_ Graph, name string, meta parser.Meta) []Violation {
			for _, t := range meta.Tags() {
				if t == tag {
					return nil
				}
			}
			return []Violation{{name, "requires_tag", fmt.Sprintf("missing tag %q", tag)}}
		},
	}
}

// RequiresLink requires at least one outgoing edge that resolves to a node
// of targetType ("" = any resolved edge). Unresolved tokens count as
// missing: resolution must succeed.
func RequiresLink(typ, targetType string) Rule {
	return Rule{
		Name: "requires_link",
		Type: typ,
		Check: func(g Graph, name string, _ parser.Meta) []Violation {
			resolved, err := g.ResolvedLinks(name)
			if err != nil {
				return []Violation{{name, "requires_link", err.Error()}}
			}
			if targetType == "" {
				if len(resolved) == 0 {
					return []Violation{{name, "requires_link", "must have at least one resolved outgoing link"}}
				}
				return nil
			}
			for _, target := range resolved {
				tt, err := g.TypeOf(target)
				if err == nil && tt == targetType {
					return nil
				}
			}
			return []Violation{{name, "requires_link",
				fmt.Sprintf("must link to at least one node of type %q", targetType)}}
		},
	}
}

// NoOrphans requires in-degree + out-degree >= 1 for every node.
func NoOrphans() Rule {
	return Rule{
		Name: "no_orphans",
		Check: func(g Graph, name string, _ parser.Meta) []Violation {
			links, err := g.Links(name)
			if err == nil && len(links) > 0 {
				return nil
			}
			back, err := g.Backlinks(name)
			if err == nil && len(back) > 0 {
				return nil
			}
			return []Violation{{name, "no_orphans", "node has no incoming or outgoing links"}}
		},
	}
}

// Custom wraps a predicate returning an error message, or "" when valid.
func Custom(typ, name string, fn func(g Graph, node string, meta parser.Meta) string) Rule {
	return Rule{
		Name: name,
		Type: typ,
		Check: func(g Graph, node string, meta parser.Meta) []Violation {
			if msg := fn(g, node, meta); msg != "" {
				return []Violation{{node, name, msg}}
			}
			return nil
		},
	}
}

// FreezeSchema pins the field set of typ: nodes of that type may only
// carry the allowed fields ("type" is implicitly allowed). Installing a
// validator holding this rule also instructs the schema registry to set
// exactly this field set.
func FreezeSchema(typ string, fields []string) Rule {
	allowed := make(map[string]struct{}, len(fields)+1)
	for _, f := range fields {
		allowed[f] = struct{}{}
	}
	allowed["type"] = struct{}{}
	frozen := append([]string(nil), fields...)
	return Rule{
		Name:         "freeze_schema",
		Type:         typ,
		FrozenFields: frozen,
		Check: func(_ Graph, name string, meta parser.Meta) []Violation {
			var extra []string
			for _, key := range meta.Keys() {
				if _, ok := allowed[key]; !ok {
					extra = append(extra, key)
				}
			}
			if len(extra) > 0 {
				return []Violation{{name, "freeze_schema",
					fmt.Sprintf("disallowed field(s): %s", strings.Join(extra, ", "))}}
			}
			return nil
		},
	}
}
