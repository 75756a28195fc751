package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMissingVariables is returned by Render when a placeholder has no value.
var ErrMissingVariables = errors.New("missing prompt variables")

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Ref is the name@version form accepted by Registry.Resolve.
func (s Spec) Ref() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + "@" + s.Version
}

// Variables lists the placeholders of the template in first-use order.
func (s Spec) Variables() []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(s.Template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Render substitutes vars into the template in a single pass. Values are
// inserted verbatim: a user message containing {{text}} is not expanded.
func (s Spec) Render(vars map[string]string) (string, error) {
	tmpl := strings.TrimSpace(s.Template)
	if tmpl == "" {
		return "", fmt.Errorf("prompt %s: empty template", s.Ref())
	}
	var (
		b       strings.Builder
		missing []string
		last    int
	)
	for _, loc := range placeholder.FindAllStringSubmatchIndex(tmpl, -1) {
		b.WriteString(tmpl[last:loc[0]])
		last = loc[1]
		key := tmpl[loc[2]:loc[3]]
		value, ok := vars[key]
		if !ok {
			missing = appendOnce(missing, key)
			continue
		}
		b.WriteString(value)
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt %s: %w: %s", s.Ref(), ErrMissingVariables, strings.Join(missing, ", "))
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

func appendOnce(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
