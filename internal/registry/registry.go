// Package registry holds the encounter-type definitions the chunk
// processor validates inference output against. Definitions ship embedded
// and may be overridden by a YAML file.
package registry

import (
	_ "embed"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed encounter_types.yaml
var defaultTypesYAML []byte

// EncounterType describes one recognized encounter category.
type EncounterType struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	// CalendarAnchored marks types that represent real-world, dated
	// clinical events rather than administrative paperwork.
	CalendarAnchored bool `yaml:"calendar_anchored"`
}

type typesFile struct {
	Types []EncounterType `yaml:"types"`
}

// Registry is an immutable set of encounter types keyed by their type key.
type Registry struct {
	types map[string]EncounterType
}

// Load builds a Registry from the YAML file at path, or from the embedded
// defaults when path is empty.
func Load(path string) (*Registry, error) {
	raw := defaultTypesYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: read %s", path)
		}
		raw = b
	}

	var tf typesFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, eris.Wrap(err, "registry: parse types")
	}
	if len(tf.Types) == 0 {
		return nil, eris.New("registry: no encounter types defined")
	}

	types := make(map[string]EncounterType, len(tf.Types))
	for _, t := range tf.Types {
		if t.Key == "" {
			return nil, eris.New("registry: encounter type with empty key")
		}
		if _, dup := types[t.Key]; dup {
			return nil, eris.Errorf("registry: duplicate encounter type %q", t.Key)
		}
		types[t.Key] = t
	}
	return &Registry{types: types}, nil
}

// Valid reports whether key is a recognized encounter type.
func (r *Registry) Valid(key string) bool {
	_, ok := r.types[key]
	return ok
}

// Get returns the definition for key.
func (r *Registry) Get(key string) (EncounterType, bool) {
	t, ok := r.types[key]
	return t, ok
}

// Keys returns all type keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.types))
	for k := range r.types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
