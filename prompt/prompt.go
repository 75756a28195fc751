package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Spec is a named, versioned prompt template. Variables use {{name}}.
type Spec struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Template    string   `json:"template"`
	Tags        []string `json:"tags,omitempty"`
}

type Registry struct {
	mu    sync.RWMutex
	items map[string]map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{items: map[string]map[string]Spec{}}
}

// Default returns a registry preloaded with the built-in templates.
func Default() *Registry {
	r := NewRegistry()
	for _, spec := range builtins() {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(spec Spec) error {
	normalized, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[normalized.Name]; !ok {
		r.items[normalized.Name] = map[string]Spec{}
	}
	r.items[normalized.Name][normalized.Version] = normalized
	return nil
}

// Resolve looks up "name" or "name@version"; without a version the highest
// version wins.
func (r *Registry) Resolve(ref string) (Spec, bool) {
	name, version := parseRef(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.items[name]
	if !ok || len(versions) == 0 {
		return Spec{}, false
	}
	if version != "" {
		s, ok := versions[version]
		return s, ok
	}
	keys := make([]string, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	return versions[keys[len(keys)-1]], true
}

// Execute resolves ref and renders it with vars.
func (r *Registry) Execute(ref string, vars map[string]string) (string, error) {
	spec, ok := r.Resolve(ref)
	if !ok {
		return "", fmt.Errorf("prompt %q not registered", ref)
	}
	return spec.Render(vars)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadDir registers every *.json spec in path, overriding built-ins of the
// same name and version. An override may not use variables the template
// it replaces does not, since callers would never supply them. A missing
// directory is not an error.
func (r *Registry) LoadDir(path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		spec, err := loadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := r.checkOverride(spec); err != nil {
			return loaded, fmt.Errorf("prompt file %q: %w", entry.Name(), err)
		}
		if err := r.Register(spec); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func (r *Registry) checkOverride(spec Spec) error {
	spec, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	current, ok := r.Resolve(spec.Name)
	if !ok {
		return nil
	}
	known := map[string]bool{}
	for _, v := range current.Variables() {
		known[v] = true
	}
	for _, v := range spec.Variables() {
		if !known[v] {
			return fmt.Errorf("prompt %s uses {{%s}}, unknown to %s", spec.Ref(), v, current.Ref())
		}
	}
	return nil
}

func loadFile(path string) (Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read prompt file %q: %w", path, err)
	}
	var spec Spec
	if err := json.Unmarshal(content, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode prompt file %q: %w", path, err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		base := filepath.Base(path)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return spec, nil
}

func NormalizeSpec(spec Spec) (Spec, error) {
	spec.Name = strings.ToLower(strings.TrimSpace(spec.Name))
	spec.Version = strings.ToLower(strings.TrimSpace(spec.Version))
	spec.Description = strings.TrimSpace(spec.Description)
	spec.Template = strings.TrimSpace(spec.Template)
	if spec.Version == "" {
		spec.Version = "v1"
	}
	if spec.Name == "" {
		return Spec{}, fmt.Errorf("prompt name is required")
	}
	if spec.Template == "" {
		return Spec{}, fmt.Errorf("prompt %q has empty template", spec.Name)
	}
	if !identPattern.MatchString(spec.Name) {
		return Spec{}, fmt.Errorf("prompt name %q must match [a-z0-9._-]", spec.Name)
	}
	if !identPattern.MatchString(spec.Version) {
		return Spec{}, fmt.Errorf("prompt version %q must match [a-z0-9._-]", spec.Version)
	}
	return spec, nil
}

func parseRef(ref string) (name string, version string) {
	ref = strings.TrimSpace(strings.ToLower(ref))
	if ref == "" {
		return "", ""
	}
	parts := strings.SplitN(ref, "@", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(parts[0]), ""
}

var identPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
