// Package workflow loads, validates and runs CI workflow definitions
// for training framework test jobs.
package workflow

import (
	"os"
	"regexp"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Event kinds a workflow can be triggered by.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Workflow is one CI workflow definition.
type Workflow struct {
	// Name identifies the workflow in logs and results.
	Name string `json:"name"`
	// On declares which events trigger the workflow.
	On *Triggers `json:"on"`
	// Container, when set, wraps every step in a container run.
	Container *Container `json:"container,omitempty"`
	// Env is exported to every step.
	Env map[string]string `json:"env,omitempty"`
	// Steps run sequentially; the first failing step aborts the workflow.
	Steps []Step `json:"steps"`
}

// Triggers declares the events and branch filters a workflow runs on.
type Triggers struct {
	Push        *BranchFilter `json:"push,omitempty"`
	PullRequest *BranchFilter `json:"pull_request,omitempty"`
}

// BranchFilter limits a trigger to a set of branches.
// An empty list matches every branch.
type BranchFilter struct {
	Branches []string `json:"branches,omitempty"`
}

// Container describes the image steps run in.
type Container struct {
	// Image is "[registry/]repository[:tag]".
	Image string `json:"image"`
	// Env is exported inside the container.
	Env map[string]string `json:"env,omitempty"`
	// Ports are "host:container" publish specs.
	Ports []string `json:"ports,omitempty"`
	// Options are extra container run flags (e.g. "--gpus all --hostname ci-worker").
	Options string `json:"options,omitempty"`
}

// Step is one named shell command.
type Step struct {
	Name string `json:"name"`
	Run  string `json:"run"`
	// Env is exported to this step only, overriding the workflow env.
	Env map[string]string `json:"env,omitempty"`
	// WorkingDir is the directory the step runs in.
	WorkingDir string `json:"working-dir,omitempty"`
}

// Event is one repository event a workflow may react to.
type Event struct {
	// Kind is "push" or "pull_request".
	Kind string `json:"kind"`
	// Branch is the branch the event happened on. For pull requests,
	// the target branch.
	Branch string `json:"branch"`
}

// Load reads and parses a workflow definition from YAML.
func Load(p string) (*Workflow, error) {
	d, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read workflow %q", p)
	}
	wf := new(Workflow)
	if err = yaml.Unmarshal(d, wf, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrapf(err, "failed to parse workflow %q", p)
	}
	return wf, nil
}

// Matches reports whether the event triggers this workflow.
func (wf *Workflow) Matches(ev Event) bool {
	if wf.On == nil {
		return false
	}
	var filter *BranchFilter
	switch ev.Kind {
	case EventPush:
		filter = wf.On.Push
	case EventPullRequest:
		filter = wf.On.PullRequest
	default:
		return false
	}
	if filter == nil {
		return false
	}
	if len(filter.Branches) == 0 {
		return true
	}
	for _, b := range filter.Branches {
		if b == ev.Branch {
			return true
		}
	}
	return false
}

// e.g., localhost:5000/trainfw:cuda12.1, ubuntu:22.04, nvcr.io/nvidia/pytorch
var imagePattern = regexp.MustCompile(`^([a-z0-9]+([._-][a-z0-9]+)*(:[0-9]+)?/)*[a-z0-9]+([._-][a-z0-9]+)*(:[a-zA-Z0-9._-]+)?$`)

// Validate returns an error for malformed workflow definitions.
func (wf *Workflow) Validate() error {
	if wf.Name == "" {
		return errors.New("workflow name is empty")
	}
	if wf.On == nil || (wf.On.Push == nil && wf.On.PullRequest == nil) {
		return errors.Errorf("workflow %q declares no trigger", wf.Name)
	}
	if wf.Container != nil {
		if wf.Container.Image == "" {
			return errors.Errorf("workflow %q declares a container without an image", wf.Name)
		}
		if !imagePattern.MatchString(wf.Container.Image) {
			return errors.Errorf("workflow %q has an invalid container image %q", wf.Name, wf.Container.Image)
		}
		if _, err := shellquote.Split(wf.Container.Options); err != nil {
			return errors.Wrapf(err, "workflow %q has invalid container options %q", wf.Name, wf.Container.Options)
		}
	}
	if len(wf.Steps) == 0 {
		return errors.Errorf("workflow %q has no steps", wf.Name)
	}
	seen := make(map[string]struct{}, len(wf.Steps))
	for i, step := range wf.Steps {
		if step.Name == "" {
			return errors.Errorf("workflow %q step #%d has no name", wf.Name, i)
		}
		if _, ok := seen[step.Name]; ok {
			return errors.Errorf("workflow %q has duplicate step %q", wf.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
		if step.Run == "" {
			return errors.Errorf("workflow %q step %q has an empty run command", wf.Name, step.Name)
		}
	}
	return nil
}
