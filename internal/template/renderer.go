// Package template renders campaign message templates: {name} variables are
// substituted from the per-recipient map and {a|b|c} spin-text groups are
// expanded to one random alternative so no two recipients read the same text.
package template

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const maxDepth = 16

// Renderer expands a template against a variable map. All randomness flows
// through the injected source, so a seeded source gives identical output.
type Renderer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRenderer builds a renderer from the given source. A nil source seeds
// from the wall clock.
func NewRenderer(src rand.Source) *Renderer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Renderer{rng: rand.New(src)}
}

// Render substitutes {var} placeholders and expands {a|b|c} spin-text.
// Unknown variables become the empty string and malformed braces stay
// literal. Render never fails; a garbage template yields a best-effort
// string.
func (r *Renderer) Render(tmpl string, vars map[string]string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.render(tmpl, vars, 0)
}

func (r *Renderer) render(s string, vars map[string]string, depth int) string {
	if depth > maxDepth {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}

		end := matchingBrace(s, i)
		if end < 0 {
			// Unmatched open brace, keep it literal.
			b.WriteByte('{')
			i++
			continue
		}

		inner := s[i+1 : end]
		switch {
		case hasTopLevelPipe(inner):
			alts := splitTopLevel(inner)
			choice := alts[r.rng.Intn(len(alts))]
			b.WriteString(r.render(choice, vars, depth+1))
		case isVarName(inner):
			b.WriteString(vars[inner])
		case strings.Contains(inner, "{"):
			// No alternatives at this level but nested groups inside:
			// keep the braces, expand the content.
			b.WriteByte('{')
			b.WriteString(r.render(inner, vars, depth+1))
			b.WriteByte('}')
		default:
			// Not a variable, not spin-text: literal.
			b.WriteString(s[i : end+1])
		}
		i = end + 1
	}

	return b.String()
}

// matchingBrace returns the index of the '}' closing the '{' at open,
// or -1 when unbalanced.
func matchingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// hasTopLevelPipe reports whether inner contains a '|' outside nested braces.
func hasTopLevelPipe(inner string) bool {
	depth := 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '|':
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

// splitTopLevel splits inner on '|' at depth zero. Empty alternatives are
// kept so "{hi|}" can expand to nothing half the time.
func splitTopLevel(inner string) []string {
	var (
		out   []string
		start int
		depth int
	)
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '|':
			if depth == 0 {
				out = append(out, inner[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, inner[start:])
	return out
}

func isVarName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
