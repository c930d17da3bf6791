package plan

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() *PatchPlan {
	return &PatchPlan{
		StoryID: "S-1",
		Summary: "add widget",
		Changes: []Change{
			{Path: "src/widget.js", Action: ActionCreate},
			{Path: "src/app.js", Action: ActionModify},
			{Path: "src/legacy.js", Action: ActionDelete},
		},
	}
}

func TestPatchPlan_Validate(t *testing.T) {
	assert.NoError(t, samplePlan().Validate())

	tests := []struct {
		name   string
		mutate func(*PatchPlan)
	}{
		{"missing story", func(p *PatchPlan) { p.StoryID = "" }},
		{"empty path", func(p *PatchPlan) { p.Changes[0].Path = "" }},
		{"bad action", func(p *PatchPlan) { p.Changes[0].Action = "rename" }},
		{"duplicate", func(p *PatchPlan) { p.Changes[1].Path = p.Changes[0].Path }},
		{"duplicate after cleaning", func(p *PatchPlan) { p.Changes[1].Path = "./" + p.Changes[0].Path }},
		{"absolute path", func(p *PatchPlan) { p.Changes[0].Path = "/etc/passwd" }},
		{"escapes root", func(p *PatchPlan) { p.Changes[0].Path = "src/../../x.js" }},
		{"root itself", func(p *PatchPlan) { p.Changes[0].Path = "./" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePlan()
			tt.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestPatchPlan_Paths(t *testing.T) {
	p := samplePlan()
	assert.Equal(t, []string{"src/app.js", "src/legacy.js", "src/widget.js"}, p.Paths())
	assert.Equal(t, []string{"src/app.js", "src/widget.js"}, p.ExpectedPaths())
	assert.True(t, p.IsDelete("src/legacy.js"))
	assert.False(t, p.IsDelete("src/app.js"))

	dotted := &PatchPlan{StoryID: "S-1", Changes: []Change{
		{Path: "./src/x.js", Action: ActionModify},
		{Path: "src//old.js", Action: ActionDelete},
	}}
	require.NoError(t, dotted.Validate())
	assert.Equal(t, []string{"src/old.js", "src/x.js"}, dotted.Paths())
	assert.Equal(t, []string{"src/x.js"}, dotted.ExpectedPaths())
	assert.True(t, dotted.IsDelete("src/old.js"))
	assert.True(t, dotted.IsDelete("./src/old.js"))

	var nilPlan *PatchPlan
	assert.Nil(t, nilPlan.Paths())
	assert.False(t, nilPlan.IsDelete("x"))
}

func TestPatchPlan_SignAndVerify(t *testing.T) {
	p := samplePlan()
	ok, err := p.VerifySignature()
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.Sign("storygate", at))
	assert.True(t, p.IsSigned())
	assert.Equal(t, "storygate", p.SignedBy)
	assert.Equal(t, at, *p.SignedAt)

	ok, err = p.VerifySignature()
	require.NoError(t, err)
	assert.True(t, ok)

	// Reordering changes keeps the digest.
	p.Changes[0], p.Changes[2] = p.Changes[2], p.Changes[0]
	ok, err = p.VerifySignature()
	require.NoError(t, err)
	assert.True(t, ok)

	p.Changes = append(p.Changes, Change{Path: "sneaky.js", Action: ActionCreate})
	ok, err = p.VerifySignature()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stories", "S-1", "patch-plan.json")

	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrNotFound))

	p := samplePlan()
	require.NoError(t, Save(path, p))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, p.Changes, loaded.Changes)
}
