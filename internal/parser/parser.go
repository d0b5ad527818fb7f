// Package parser splits frontmatter from body text and extracts wikilinks.
package parser

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Innermost [[...]] only; nested brackets never match.
var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// Value is a single frontmatter value. Scalars keep their original text
// form; no boolean or integer coercion is performed.
type Value struct {
	Text   string
	List   []string
	IsList bool
}

// Strings returns the value as a list: the list elements, or the scalar
// text as a single element when non-empty.
func (v Value) Strings() []string {
	if v.IsList {
		return v.List
	}
	if v.Text == "" {
		return nil
	}
	return []string{v.Text}
}

// Empty reports whether the value carries no content.
func (v Value) Empty() bool {
	if v.IsList {
		return len(v.List) == 0
	}
	return v.Text == ""
}

// Field is one frontmatter entry.
type Field struct {
	Key   string
	Value Value
}

// Meta is an ordered frontmatter mapping.
type Meta []Field

// Get returns the value for key and whether it is present.
func (m Meta) Get(key string) (Value, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Has reports whether key is present.
func (m Meta) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns all keys in header order.
func (m Meta) Keys() []string {
	out := make([]string, len(m))
	for i, f := range m {
		out[i] = f.Key
	}
	return out
}

// Type returns the reserved "type" key, or "" when absent.
func (m Meta) Type() string {
	v, ok := m.Get("type")
	if !ok || v.IsList {
		return ""
	}
	return v.Text
}

// Tags returns the "tags" value as a list.
func (m Meta) Tags() []string {
	v, ok := m.Get("tags")
	if !ok {
		return nil
	}
	return v.Strings()
}

// Result holds the output of parsing a document.
type Result struct {
	Meta  Meta
	Body  string
	Links []string
}

// Parse splits content into frontmatter and body and extracts wikilinks.
// Header syntax errors never fail the parse: the metadata comes back empty
// and the full string is body.
func Parse(content string) *Result {
	meta, body := SplitFrontmatter(content)
	return &Result{
		Meta:  meta,
		Body:  body,
		Links: ExtractLinks(body),
	}
}

// SplitFrontmatter separates the header block (between leading ---
// delimiter lines) from the body. Without a well-formed header the meta
// is empty and the full content is body.
func SplitFrontmatter(content string) (Meta, string) {
	trimmed := strings.TrimLeft(content, "\r\n")
	first, rest, _ := strings.Cut(trimmed, "\n")
	if strings.TrimRight(first, "\r") != "---" {
		return nil, content
	}

	// Scan for the closing delimiter line.
	var block []string
	lines := strings.Split(rest, "\n")
	end := -1
	for i, line := range lines {
		if strings.TrimRight(line, "\r") == "---" {
			end = i
			break
		}
		block = append(block, line)
	}
	if end == -1 {
		return nil, content
	}

	body := strings.TrimLeft(strings.Join(lines[end+1:], "\n"), "\r\n")
	meta := decodeHeader(strings.Join(block, "\n"))
	if meta == nil {
		return nil, content
	}
	return meta, body
}

// decodeHeader decodes the YAML header into an ordered Meta. The document
// is walked as a yaml.Node tree so key order and the literal text of each
// scalar survive; !!int and !!bool tags are ignored on purpose. Returns
// nil when the document is not a mapping. Scalar and list values are kept,
// nested mappings flatten to "key: value" list items, and entries of any
// other kind are skipped.
func decodeHeader(block string) Meta {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(block), &doc); err != nil {
		return nil
	}
	if len(doc.Content) == 0 {
		return Meta{}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}

	meta := make(Meta, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if k.Kind != yaml.ScalarNode || k.Value == "" {
			continue
		}
		switch v.Kind {
		case yaml.ScalarNode:
			meta = append(meta, Field{Key: k.Value, Value: Value{Text: v.Value}})
		case yaml.SequenceNode:
			items := make([]string, 0, len(v.Content))
			for _, item := range v.Content {
				if item.Kind == yaml.ScalarNode {
					items = append(items, item.Value)
				}
			}
			meta = append(meta, Field{Key: k.Value, Value: Value{List: items, IsList: true}})
		case yaml.MappingNode:
			// Nested mappings flatten to "key: value" items.
			items := make([]string, 0, len(v.Content)/2)
			for j := 0; j+1 < len(v.Content); j += 2 {
				sk, sv := v.Content[j], v.Content[j+1]
				if sk.Kind == yaml.ScalarNode && sv.Kind == yaml.ScalarNode {
					items = append(items, sk.Value+": "+sv.Value)
				}
			}
			meta = append(meta, Field{Key: k.Value, Value: Value{List: items, IsList: true}})
		}
	}
	return meta
}

// ExtractLinks returns wikilink targets from body in first-appearance
// order, deduplicated. [[Target|Display]] keeps only the target side.
func ExtractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}
