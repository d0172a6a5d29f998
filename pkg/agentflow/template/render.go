package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var placeholder = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\}`)

const truncatedMarker = "...[truncated]"

// Renderer expands ${name} placeholders.
type Renderer struct {
	missing  MissingAction
	maxValue int
}

// NewRenderer creates a Renderer. By default missing variables are kept
// and values are not truncated.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{missing: MissingKeep}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render expands s using vars. An error is returned only with
// MissingError, together with the partially expanded text.
func (r *Renderer) Render(s string, vars map[string]any) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		v, ok := lookup(vars, name)
		if !ok {
			switch r.missing {
			case MissingEmpty:
				return ""
			case MissingError:
				missing = append(missing, name)
			}
			return match
		}
		return r.format(v)
	})

	if len(missing) > 0 {
		return out, &UndefinedVariableError{Names: missing}
	}
	return out, nil
}

func (r *Renderer) format(v any) string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case nil:
		s = ""
	case map[string]any, []any, []string, []map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(b)
		}
	default:
		s = fmt.Sprintf("%v", val)
	}
	if r.maxValue > 0 && len(s) > r.maxValue {
		s = truncate(s, r.maxValue) + truncatedMarker
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// lookup resolves a possibly dotted name against vars.
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	head, rest, dotted := strings.Cut(name, ".")
	if !dotted {
		return nil, false
	}
	v, ok := vars[head]
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(nested, rest)
}

// References returns the top-level variable names s uses, in first-use
// order without duplicates.
func References(s string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
		head, _, _ := strings.Cut(m[1], ".")
		if !seen[head] {
			seen[head] = true
			names = append(names, head)
		}
	}
	return names
}

// UndefinedVariableError lists the placeholders that had no value.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

var defaultRenderer = NewRenderer()

// Render expands s with the default renderer, keeping missing
// placeholders.
func Render(s string, vars map[string]any) string {
	out, _ := defaultRenderer.Render(s, vars)
	return out
}
