package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// LanguageSpec describes one supported language runtime.
type LanguageSpec struct {
	Name       string   `yaml:"-"`
	Image      string   `yaml:"image"`
	PoolSize   int      `yaml:"pool_size"`
	TimeoutSec int      `yaml:"timeout_sec"`
	Stateful   bool     `yaml:"stateful"`
	Aliases    []string `yaml:"aliases"`
}

// Registry maps language names (and aliases) to their specs.
type Registry struct {
	specs   map[string]*LanguageSpec
	aliases map[string]string
}

type registryFile struct {
	Languages map[string]*LanguageSpec `yaml:"languages"`
}

// DefaultRegistry returns the built-in language set used when no registry
// file is configured.
func DefaultRegistry() *Registry {
	r, _ := newRegistry(map[string]*LanguageSpec{
		"python": {
			Image:      "ghcr.io/kilnhq/runtime-python:3.12",
			PoolSize:   2,
			TimeoutSec: 30,
			Stateful:   true,
			Aliases:    []string{"py", "python3"},
		},
		"node": {
			Image:      "ghcr.io/kilnhq/runtime-node:22",
			PoolSize:   1,
			TimeoutSec: 30,
			Stateful:   false,
			Aliases:    []string{"js", "javascript", "nodejs"},
		},
		"r": {
			Image:      "ghcr.io/kilnhq/runtime-r:4.4",
			PoolSize:   0,
			TimeoutSec: 60,
			Stateful:   true,
			Aliases:    []string{"rscript"},
		},
		"bash": {
			Image:      "ghcr.io/kilnhq/runtime-bash:5",
			PoolSize:   0,
			TimeoutSec: 30,
			Stateful:   false,
			Aliases:    []string{"sh", "shell"},
		},
	})
	return r
}

// LoadRegistry reads a language registry from a YAML file. An empty path
// returns the built-in defaults.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read language registry %s: %w", path, err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse language registry %s: %w", path, err)
	}
	if len(f.Languages) == 0 {
		return nil, fmt.Errorf("language registry %s defines no languages: %w", path, errdefs.ErrInvalidArgument)
	}
	return newRegistry(f.Languages)
}

func newRegistry(specs map[string]*LanguageSpec) (*Registry, error) {
	r := &Registry{
		specs:   make(map[string]*LanguageSpec, len(specs)),
		aliases: make(map[string]string),
	}
	for name, spec := range specs {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || spec == nil {
			continue
		}
		spec.Name = name
		r.specs[name] = spec
		for _, a := range spec.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || a == name {
				continue
			}
			if prev, ok := r.aliases[a]; ok && prev != name {
				return nil, fmt.Errorf("alias %q maps to both %q and %q: %w", a, prev, name, errdefs.ErrInvalidArgument)
			}
			r.aliases[a] = name
		}
	}
	return r, nil
}

// Resolve returns the spec for a language name or alias. Unknown languages
// yield ErrInvalidArgument so the caller can surface a 400 rather than a 500.
func (r *Registry) Resolve(language string) (*LanguageSpec, error) {
	key := strings.ToLower(strings.TrimSpace(language))
	if key == "" {
		return nil, fmt.Errorf("language is required: %w", errdefs.ErrInvalidArgument)
	}
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	spec, ok := r.specs[key]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q: %w", language, errdefs.ErrInvalidArgument)
	}
	return spec, nil
}

// Languages returns the canonical language names, sorted.
func (r *Registry) Languages() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pooled returns the specs of languages with a non-zero pool size.
func (r *Registry) Pooled() []*LanguageSpec {
	var out []*LanguageSpec
	for _, name := range r.Languages() {
		if spec := r.specs[name]; spec.PoolSize > 0 {
			out = append(out, spec)
		}
	}
	return out
}
