package library_test

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/cstoian/Maki/common/spec/script"
	"github.com/cstoian/Maki/internal/maki/library"
)

// makeFS creates an in-memory fs.FS for testing.
func makeFS(files map[string]string) fstest.MapFS {
	m := make(fstest.MapFS)
	for path, content := range files {
		m[path] = &fstest.MapFile{Data: []byte(content)}
	}
	return m
}

const bmiYAML = `id: bmi
name: BMI Calculator
description: Computes body mass index
tags: [health]
triggerPhrases:
  - calculate my bmi
parameters:
  - name: weight
    type: number
    required: true
    prompt: Weight in kg?
  - name: height
    type: number
    required: true
    prompt: Height in cm?
executionKind: local
code: return weight / (height/100)^2
`

const weatherYAML = `name: Weather Report
triggerPhrases:
  - weather report
executionKind: external_action
actionEndpoint:
  endpoint: https://api.example.com/weather
  method: GET
`

// memWriter records upserted definitions in order.
type memWriter struct {
	defs []*script.ScriptDefinition
}

func (w *memWriter) UpsertScript(_ context.Context, def *script.ScriptDefinition) error {
	w.defs = append(w.defs, def)
	return nil
}

func TestLoad(t *testing.T) {
	fs := makeFS(map[string]string{
		"bmi.yaml":     bmiYAML,
		"weather.yml":  weatherYAML,
		"README.md":    "not a script",
		"notes/x.yaml": "ignored, nested",
	})

	defs, err := library.Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("Load: got %d definitions, want 2: %+v", len(defs), defs)
	}

	// Sorted by file name: bmi.yaml before weather.yml.
	if defs[0].ID != "bmi" {
		t.Errorf("defs[0].ID = %q, want bmi", defs[0].ID)
	}
	if defs[1].Name != "Weather Report" {
		t.Errorf("defs[1].Name = %q", defs[1].Name)
	}
}

func TestLoad_AssignsMissingID(t *testing.T) {
	fs := makeFS(map[string]string{"weather.yaml": weatherYAML})

	defs, err := library.Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	if defs[0].ID == "" {
		t.Error("missing ID was not assigned")
	}
}

func TestLoad_RejectsMalformedFile(t *testing.T) {
	fs := makeFS(map[string]string{
		"bmi.yaml": bmiYAML,
		"bad.yaml": "name: Broken\nexecutionKind: local\n", // local without code
	})

	_, err := library.Load(fs)
	if err == nil {
		t.Fatal("expected an error for the malformed file")
	}
	if !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("error should name the offending file: %v", err)
	}
}

func TestLoad_RejectsDuplicateIDs(t *testing.T) {
	fs := makeFS(map[string]string{
		"a.yaml": bmiYAML,
		"b.yaml": bmiYAML,
	})

	_, err := library.Load(fs)
	if err == nil {
		t.Fatal("expected an error for duplicate IDs")
	}
	if !strings.Contains(err.Error(), "duplicate id") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSeed(t *testing.T) {
	fs := makeFS(map[string]string{
		"bmi.yaml":     bmiYAML,
		"weather.yaml": weatherYAML,
	})

	w := &memWriter{}
	n, err := library.Seed(context.Background(), fs, w)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 2 {
		t.Errorf("Seed: got %d, want 2", n)
	}
	if len(w.defs) != 2 {
		t.Fatalf("writer received %d definitions, want 2", len(w.defs))
	}
	if w.defs[0].ID != "bmi" {
		t.Errorf("first seeded ID = %q, want bmi", w.defs[0].ID)
	}
}
