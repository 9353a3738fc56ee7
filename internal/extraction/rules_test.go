package extraction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

func TestDefaultRules_Compile(t *testing.T) {
	rules := DefaultRules()
	compiled, err := compileRules(rules)
	require.NoError(t, err)
	assert.Len(t, compiled, len(rules))

	for _, r := range rules {
		if r.Name == "generic_deadline" {
			assert.Equal(t, GenericWeight, r.Weight)
			continue
		}
		assert.GreaterOrEqual(t, r.Weight, 0.75, r.Name)
	}
}

func TestCompileRules_Errors(t *testing.T) {
	valid := Rule{Name: "a", Phrase: "ends on", Category: deadline.CategoryTrial, Weight: 0.8, Window: Window{After: 20}}

	tests := []struct {
		name   string
		mutate func(*Rule)
		errMsg string
	}{
		{"missing name", func(r *Rule) { r.Name = "" }, "name is required"},
		{"bad category", func(r *Rule) { r.Category = "groceries" }, "unknown category"},
		{"zero weight", func(r *Rule) { r.Weight = 0 }, "weight must be"},
		{"weight above one", func(r *Rule) { r.Weight = 1.2 }, "weight must be"},
		{"empty window", func(r *Rule) { r.Window = Window{} }, "window"},
		{"negative window", func(r *Rule) { r.Window = Window{Before: -1, After: 5} }, "window"},
		{"bad regex", func(r *Rule) { r.Phrase = "ends (on" }, "invalid phrase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			_, err := compileRules([]Rule{r})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := compileRules([]Rule{valid, valid})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")

	_, err = compileRules(nil)
	assert.Error(t, err)
}

func TestCompileRules_LegacyGeneralCategory(t *testing.T) {
	compiled, err := compileRules([]Rule{{Name: "g", Phrase: "due", Category: "general", Weight: 0.5, Window: Window{After: 10}}})
	require.NoError(t, err)
	assert.Equal(t, deadline.CategoryOther, compiled[0].Category)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`rules:
  - name: membership_lapses
    phrase: membership lapses on
    category: subscription
    weight: 0.8
    window:
      after: 40
`), 0o600))

	rules, err := LoadRules(yamlPath)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "membership_lapses", rules[0].Name)
	assert.Equal(t, 40, rules[0].Window.After)

	tomlPath := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`[[rules]]
name = "return_by"
phrase = "return (?:it )?by"
category = "refund"
weight = 0.7

[rules.window]
after = 30
`), 0o600))

	rules, err = LoadRules(tomlPath)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, deadline.CategoryRefund, rules[0].Category)
}

func TestLoadRules_Errors(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("rules:\n  - name: x\n    pattern: y\n"), 0o600))
	_, err := LoadRules(unknown)
	assert.Error(t, err, "unknown yaml keys are rejected")

	unknownTOML := filepath.Join(dir, "unknown.toml")
	require.NoError(t, os.WriteFile(unknownTOML, []byte("[[rules]]\nname = \"x\"\nregex = \"y\"\n"), 0o600))
	_, err = LoadRules(unknownTOML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")

	_, err = LoadRules(filepath.Join(dir, "rules.json"))
	assert.Error(t, err)

	txt := filepath.Join(dir, "rules.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))
	_, err = LoadRules(txt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported rules format")
}

func TestEncodeRules_RoundTripsThroughLoad(t *testing.T) {
	data, err := EncodeRules(DefaultRules())
	require.NoError(t, err)
	assert.Contains(t, string(data), "free_trial_ends")

	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), rules)
}
