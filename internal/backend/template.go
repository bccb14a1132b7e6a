package backend

import (
	"fmt"
	"regexp"
	"strings"
)

// identPattern matches a legal placeholder identifier.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// templatePart is either a literal run of text or a single placeholder key.
type templatePart struct {
	literal bool
	value   string
}

// Template is a command template compiled from the ~{name} placeholder syntax.
// Parsing happens once when the descriptor is loaded; Render only substitutes.
type Template struct {
	raw   string
	parts []templatePart
}

// ParseTemplate compiles a raw command template. Malformed placeholders (an
// unterminated ~{ or an illegal identifier) are errors here so a bad template
// never reaches render time.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	for {
		i := strings.Index(rest, "~{")
		if i < 0 {
			if rest != "" {
				t.parts = append(t.parts, templatePart{literal: true, value: rest})
			}
			return t, nil
		}
		if i > 0 {
			t.parts = append(t.parts, templatePart{literal: true, value: rest[:i]})
		}
		rest = rest[i+2:]
		j := strings.Index(rest, "}")
		if j < 0 {
			return nil, fmt.Errorf("unterminated placeholder %q", "~{"+rest)
		}
		key := rest[:j]
		if !identPattern.MatchString(key) {
			return nil, fmt.Errorf("invalid placeholder name %q", key)
		}
		t.parts = append(t.parts, templatePart{value: key})
		rest = rest[j+1:]
	}
}

// Render substitutes every placeholder from vars. A placeholder with no value
// fails the render; placeholders are never silently dropped.
func (t *Template) Render(vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, p := range t.parts {
		if p.literal {
			b.WriteString(p.value)
			continue
		}
		v, ok := vars[p.value]
		if !ok {
			return "", &UnresolvedPlaceholderError{Key: p.value}
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// Keys returns the distinct placeholder names the template references,
// in order of first appearance.
func (t *Template) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, p := range t.parts {
		if p.literal || seen[p.value] {
			continue
		}
		seen[p.value] = true
		keys = append(keys, p.value)
	}
	return keys
}

// String returns the original template text.
func (t *Template) String() string {
	return t.raw
}
