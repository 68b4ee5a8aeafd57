package workflow

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	wf := &Workflow{
		Name: "wf",
		On:   &Triggers{Push: &BranchFilter{Branches: []string{"main"}}},
		Steps: []Step{
			{Name: "first", Run: "echo first"},
			{Name: "second", Run: "exit 3"},
			{Name: "third", Run: "echo never"},
		},
	}

	var buf bytes.Buffer
	r := NewRunner(zap.NewNop(), &buf)

	res, err := r.Run(context.Background(), wf, Event{Kind: EventPush, Branch: "main"})
	require.Error(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Triggered)
	require.Len(t, res.Steps, 2, "third step must not run")
	assert.Equal(t, 0, res.Steps[0].ExitCode)
	assert.Equal(t, 3, res.Steps[1].ExitCode)
	assert.NotEmpty(t, res.Steps[1].Err)
	assert.Contains(t, buf.String(), "first")
	assert.NotContains(t, buf.String(), "never")
}

func TestRunnerAllStepsSucceed(t *testing.T) {
	wf := &Workflow{
		Name: "wf",
		On:   &Triggers{PullRequest: &BranchFilter{}},
		Env:  map[string]string{"GREETING": "hello"},
		Steps: []Step{
			{Name: "greet", Run: "echo $GREETING"},
			{Name: "override", Run: "echo $GREETING", Env: map[string]string{"GREETING": "goodbye"}},
			{Name: "done", Run: "true"},
		},
	}

	var buf bytes.Buffer
	r := NewRunner(zap.NewNop(), &buf)

	res, err := r.Run(context.Background(), wf, Event{Kind: EventPullRequest, Branch: "feature"})
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	require.Len(t, res.Steps, 3)
	for _, sr := range res.Steps {
		assert.Equal(t, 0, sr.ExitCode)
		assert.Empty(t, sr.Err)
	}
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "goodbye")
}

func TestRunnerNotTriggered(t *testing.T) {
	wf := &Workflow{
		Name:  "wf",
		On:    &Triggers{Push: &BranchFilter{Branches: []string{"main"}}},
		Steps: []Step{{Name: "a", Run: "echo ran"}},
	}

	var buf bytes.Buffer
	r := NewRunner(zap.NewNop(), &buf)

	res, err := r.Run(context.Background(), wf, Event{Kind: EventPush, Branch: "dev"})
	require.NoError(t, err)

	assert.False(t, res.Triggered)
	assert.Empty(t, res.Steps)
	assert.NotContains(t, buf.String(), "ran")
}

func TestRunnerInvalidWorkflow(t *testing.T) {
	wf := &Workflow{Name: "wf"}
	r := NewRunner(nil, nil)
	_, err := r.Run(context.Background(), wf, Event{Kind: EventPush})
	assert.Error(t, err)
}
