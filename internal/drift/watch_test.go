package drift

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/storygate/internal/plan"
)

func TestWatcher_ReportsAfterChange(t *testing.T) {
	env := newDetectorEnv(t)
	env.baseline(t, "S-1")

	planFn := func() (*plan.PatchPlan, error) {
		return &plan.PatchPlan{StoryID: "S-1", Changes: []plan.Change{{Path: "src/x.js", Action: plan.ActionModify}}}, nil
	}
	w, err := NewWatcher(env.detector, "S-1", nil, planFn, 50*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register directories.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, env.root, "src/y.js", "y changed")

	select {
	case report, ok := <-w.Reports():
		require.True(t, ok)
		assert.Equal(t, []string{"src/y.js"}, report.DetectedChanges.Unlisted)
	case <-ctx.Done():
		t.Fatal("no drift report received")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestNewWatcher_RequiresDetector(t *testing.T) {
	_, err := NewWatcher(nil, "S-1", nil, nil, 0, nil)
	assert.Error(t, err)
}
