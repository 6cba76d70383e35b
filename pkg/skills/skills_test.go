package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibraryLoad(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "review"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(base, "review", "checklist.md"),
		[]byte("# Review checklist\n"), 0o644))

	lib, err := NewLibrary(base, map[string]Definition{
		"review-checklist": {Path: "review/checklist.md", Description: "PR review steps"},
	})
	require.NoError(t, err)

	skill, err := lib.Load("review-checklist")
	require.NoError(t, err)
	assert.Equal(t, "review-checklist", skill.Name)
	assert.Equal(t, "PR review steps", skill.Description)
	assert.Contains(t, skill.Content, "Review checklist")

	desc, err := lib.Describe("review-checklist")
	require.NoError(t, err)
	assert.Equal(t, "PR review steps", desc)
}

func TestLibraryUnknownSkill(t *testing.T) {
	lib, err := NewLibrary(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = lib.Load("nope")
	assert.ErrorIs(t, err, ErrUnknownSkill)
}

func TestLibraryRejectsEscapingPaths(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"parent traversal", "../outside.md"},
		{"nested traversal", "docs/../../outside.md"},
		{"absolute path", "/etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLibrary(base, map[string]Definition{
				"bad": {Path: tt.path},
			})
			assert.ErrorIs(t, err, ErrPathEscape)
		})
	}
}

func TestLibraryLoadPicksUpEdits(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "deploy.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	lib, err := NewLibrary(base, map[string]Definition{
		"deploy": {Path: "deploy.md"},
	})
	require.NoError(t, err)

	skill, err := lib.Load("deploy")
	require.NoError(t, err)
	assert.Equal(t, "v1", skill.Content)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	skill, err = lib.Load("deploy")
	require.NoError(t, err)
	assert.Equal(t, "v2", skill.Content)
}
