package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkflowYAML = `name: functional-tests
on:
  push:
    branches:
      - main
  pull_request:
    branches:
      - main
container:
  image: localhost:5000/trainfw:cuda12.1
  env:
    NCCL_DEBUG: INFO
  ports:
    - "8080:8080"
  options: --gpus all --hostname ci-worker
env:
  PYTHONUNBUFFERED: "1"
steps:
  - name: unit tests
    run: pytest -q tests/unit
  - name: functional tests
    run: pytest -q tests/functional
`

func writeWorkflow(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ci.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestLoad(t *testing.T) {
	wf, err := Load(writeWorkflow(t, testWorkflowYAML))
	require.NoError(t, err)

	assert.Equal(t, "functional-tests", wf.Name)
	require.NotNil(t, wf.On)
	require.NotNil(t, wf.On.Push)
	assert.Equal(t, []string{"main"}, wf.On.Push.Branches)
	require.NotNil(t, wf.Container)
	assert.Equal(t, "localhost:5000/trainfw:cuda12.1", wf.Container.Image)
	assert.Equal(t, "--gpus all --hostname ci-worker", wf.Container.Options)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "unit tests", wf.Steps[0].Name)

	assert.NoError(t, wf.Validate())
}

func TestLoadUnknownField(t *testing.T) {
	_, err := Load(writeWorkflow(t, "name: a\nbogus: true\n"))
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	wf, err := Load(writeWorkflow(t, testWorkflowYAML))
	require.NoError(t, err)

	assert.True(t, wf.Matches(Event{Kind: EventPush, Branch: "main"}))
	assert.True(t, wf.Matches(Event{Kind: EventPullRequest, Branch: "main"}))
	assert.False(t, wf.Matches(Event{Kind: EventPush, Branch: "dev"}))
	assert.False(t, wf.Matches(Event{Kind: "schedule", Branch: "main"}))

	// no branch filter matches every branch
	wf.On.Push.Branches = nil
	assert.True(t, wf.Matches(Event{Kind: EventPush, Branch: "anything"}))

	wf.On = nil
	assert.False(t, wf.Matches(Event{Kind: EventPush, Branch: "main"}))
}

func TestValidate(t *testing.T) {
	base := func() *Workflow {
		return &Workflow{
			Name: "wf",
			On:   &Triggers{Push: &BranchFilter{}},
			Steps: []Step{
				{Name: "a", Run: "true"},
			},
		}
	}

	assert.NoError(t, base().Validate())

	wf := base()
	wf.Name = ""
	assert.Error(t, wf.Validate())

	wf = base()
	wf.On = &Triggers{}
	assert.Error(t, wf.Validate())

	wf = base()
	wf.Steps = nil
	assert.Error(t, wf.Validate())

	wf = base()
	wf.Steps = append(wf.Steps, Step{Name: "a", Run: "true"})
	assert.Error(t, wf.Validate(), "duplicate step names")

	wf = base()
	wf.Steps[0].Run = ""
	assert.Error(t, wf.Validate())

	wf = base()
	wf.Container = &Container{Image: "UPPER CASE BAD"}
	assert.Error(t, wf.Validate())

	wf = base()
	wf.Container = &Container{Image: "nvcr.io/nvidia/pytorch:24.01-py3"}
	assert.NoError(t, wf.Validate())

	wf = base()
	wf.Container = &Container{Image: "trainfw:latest", Options: `--hostname "unterminated`}
	assert.Error(t, wf.Validate(), "unbalanced quote in container options")
}

func TestStepArgs(t *testing.T) {
	wf := &Workflow{
		Name: "wf",
		Env:  map[string]string{"PYTHONUNBUFFERED": "1"},
	}
	step := Step{Name: "a", Run: "pytest -q"}

	assert.Equal(t, []string{"bash", "-c", "pytest -q"}, stepArgs(wf, step))

	wf.Container = &Container{
		Image:   "trainfw:latest",
		Env:     map[string]string{"NCCL_DEBUG": "INFO"},
		Ports:   []string{"8080:8080"},
		Options: `--gpus all --hostname "ci worker"`,
	}
	step.Env = map[string]string{"STAGE": "functional"}
	step.WorkingDir = "/workspace"
	assert.Equal(t, []string{
		"docker", "run", "--rm",
		"--gpus", "all",
		"--hostname", "ci worker",
		"-w", "/workspace",
		"-p", "8080:8080",
		"-e", "PYTHONUNBUFFERED=1",
		"-e", "NCCL_DEBUG=INFO",
		"-e", "STAGE=functional",
		"trainfw:latest",
		"bash", "-c", "pytest -q",
	}, stepArgs(wf, step))
}
