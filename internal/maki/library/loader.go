// Package library loads script definition bundles from a filesystem root and
// seeds them into the store.
//
// Each definition is a standalone YAML file validated against the script
// wire schema. Typical layout (relative to the library root):
//
//	bmi.yaml
//	weather.yaml
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cstoian/Maki/common/spec/script"
)

// Writer persists script definitions; implemented by the store.
type Writer interface {
	UpsertScript(ctx context.Context, def *script.ScriptDefinition) error
}

// Load reads every *.yaml / *.yml file under root and returns the parsed
// definitions, sorted by file name. A definition without an ID is assigned a
// fresh UUID, so hand-written library files do not need to mint their own.
//
// A malformed file fails the whole load: a partially seeded library is worse
// than a loud startup error.
func Load(root fs.FS) ([]*script.ScriptDefinition, error) {
	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		return nil, fmt.Errorf("listing script library: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var defs []*script.ScriptDefinition
	seen := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isYAML(name) {
			continue
		}

		raw, err := fs.ReadFile(root, name)
		if err != nil {
			return nil, fmt.Errorf("script file %q: %w", name, err)
		}

		def, err := parseFile(raw)
		if err != nil {
			return nil, fmt.Errorf("script file %q: %w", name, err)
		}

		if prev, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("script file %q: duplicate id %q (also in %q)", name, def.ID, prev)
		}
		seen[def.ID] = name

		defs = append(defs, def)
	}
	return defs, nil
}

// Seed loads the library from root and upserts every definition into w.
// Returns the number of definitions seeded.
func Seed(ctx context.Context, root fs.FS, w Writer) (int, error) {
	defs, err := Load(root)
	if err != nil {
		return 0, err
	}

	for _, def := range defs {
		if err := w.UpsertScript(ctx, def); err != nil {
			return 0, fmt.Errorf("seed script %q: %w", def.ID, err)
		}
		slog.Info("seeded script", "id", def.ID, "name", def.Name, "kind", def.ExecutionKind)
	}
	return len(defs), nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// parseFile decodes one library file. The wire schema requires an id, so a
// fresh UUID is injected before validation when the file omits one.
func parseFile(raw []byte) (*script.ScriptDefinition, error) {
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if generic == nil {
		return nil, fmt.Errorf("empty definition")
	}
	if id, ok := generic["id"].(string); !ok || id == "" {
		generic["id"] = uuid.NewString()
	}

	jsonData, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return script.ParseJSON(jsonData)
}
