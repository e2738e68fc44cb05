// Package registry maps exercise ids to their backing source repository and
// release tag. The mapping is read-only: it is baked in at build time and may
// be replaced wholesale by a JSON file, but never mutated at runtime.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
)

// Exercise describes where one exercise's starter content is published.
type Exercise struct {
	// Repo is the "owner/name" source repository.
	Repo string `json:"repo"`
	// Tag is the release tag whose archive holds the exercise content.
	Tag string `json:"tag"`
}

// Registry is a read-only exercise lookup table.
type Registry struct {
	exercises map[string]Exercise
}

// builtin is the default exercise set shipped with the server.
var builtin = map[string]Exercise{
	"intro-to-agents":    {Repo: "codequest-exercises/intro-to-agents", Tag: "v1.0.0"},
	"tdd-kata":           {Repo: "codequest-exercises/tdd-kata", Tag: "v1.2.0"},
	"refactoring-legacy": {Repo: "codequest-exercises/refactoring-legacy", Tag: "v1.0.1"},
}

// Builtin returns the registry compiled into the binary.
func Builtin() *Registry {
	return &Registry{exercises: builtin}
}

// Static wraps an explicit exercise map, for embedders and tests.
func Static(exercises map[string]Exercise) *Registry {
	return &Registry{exercises: exercises}
}

// LoadFile reads a registry from a JSON file of the form
// {"exercise-id": {"repo": "owner/name", "tag": "v1.0.0"}, ...}.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exercises file: %w", err)
	}

	var exercises map[string]Exercise
	if err := json.Unmarshal(data, &exercises); err != nil {
		return nil, fmt.Errorf("parse exercises file: %w", err)
	}
	for id, ex := range exercises {
		if ex.Repo == "" || ex.Tag == "" {
			return nil, fmt.Errorf("exercise %q is missing repo or tag", id)
		}
	}

	return &Registry{exercises: exercises}, nil
}

// Load returns the registry from the given file, or the built-in set when
// path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Builtin(), nil
	}
	return LoadFile(path)
}

// Lookup returns the exercise for id, if registered.
func (r *Registry) Lookup(id string) (Exercise, bool) {
	ex, ok := r.exercises[id]
	return ex, ok
}

// Len returns the number of registered exercises.
func (r *Registry) Len() int {
	return len(r.exercises)
}
