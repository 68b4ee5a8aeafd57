package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StepResult records one executed step.
type StepResult struct {
	Name     string        `json:"name"`
	ExitCode int           `json:"exit-code"`
	Took     time.Duration `json:"took"`
	Err      string        `json:"err,omitempty"`
}

// Result records one workflow run.
type Result struct {
	WorkflowName string       `json:"workflow-name"`
	Triggered    bool         `json:"triggered"`
	Steps        []StepResult `json:"steps,omitempty"`
}

// Runner executes workflows.
type Runner struct {
	lg *zap.Logger
	wr io.Writer
}

// NewRunner creates a workflow runner writing step output to wr.
func NewRunner(lg *zap.Logger, wr io.Writer) *Runner {
	if lg == nil {
		lg = zap.NewNop()
	}
	if wr == nil {
		wr = os.Stderr
	}
	return &Runner{lg: lg, wr: wr}
}

// Run validates the workflow, checks it against the event, and executes
// its steps in order. Execution stops at the first step that exits
// non-zero; later steps do not run. The returned result records every
// executed step even when Run returns an error.
func (r *Runner) Run(ctx context.Context, wf *Workflow, ev Event) (*Result, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	res := &Result{WorkflowName: wf.Name}
	if !wf.Matches(ev) {
		r.lg.Info("workflow not triggered",
			zap.String("workflow", wf.Name),
			zap.String("event", ev.Kind),
			zap.String("branch", ev.Branch),
		)
		return res, nil
	}
	res.Triggered = true

	r.lg.Info("workflow triggered",
		zap.String("workflow", wf.Name),
		zap.String("event", ev.Kind),
		zap.String("branch", ev.Branch),
		zap.Int("steps", len(wf.Steps)),
	)

	for _, step := range wf.Steps {
		if cerr := ctx.Err(); cerr != nil {
			return res, errors.Wrapf(cerr, "workflow %q aborted before step %q", wf.Name, step.Name)
		}
		fmt.Fprintf(r.wr, "\n***** step %q *****\n", step.Name)

		now := time.Now()
		exitCode, err := r.runStep(ctx, wf, step)
		sr := StepResult{
			Name:     step.Name,
			ExitCode: exitCode,
			Took:     time.Since(now),
		}
		if err != nil {
			sr.Err = err.Error()
		}
		res.Steps = append(res.Steps, sr)

		if err != nil {
			r.lg.Warn("step failed",
				zap.String("workflow", wf.Name),
				zap.String("step", step.Name),
				zap.Int("exit-code", exitCode),
				zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
				zap.Error(err),
			)
			return res, errors.Wrapf(err, "workflow %q step %q failed", wf.Name, step.Name)
		}
		r.lg.Info("step succeeded",
			zap.String("workflow", wf.Name),
			zap.String("step", step.Name),
			zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
		)
	}

	r.lg.Info("workflow succeeded", zap.String("workflow", wf.Name))
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, wf *Workflow, step Step) (exitCode int, err error) {
	args := stepArgs(wf, step)
	r.lg.Info("running step command",
		zap.String("step", step.Name),
		zap.String("cmd", shellquote.Join(args...)),
	)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if wf.Container == nil {
		// container runs carry env via run flags instead
		cmd.Env = append(os.Environ(), sortedEnv(mergeEnv(wf.Env, step.Env))...)
		cmd.Dir = step.WorkingDir
	}
	cmd.Stdout = r.wr
	cmd.Stderr = r.wr

	if err = cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return ee.ExitCode(), err
		}
		return -1, err
	}
	return 0, nil
}

// stepArgs builds the argv for one step: a plain shell invocation, or a
// container run wrapping the same shell invocation when the workflow
// declares a container.
func stepArgs(wf *Workflow, step Step) []string {
	if wf.Container == nil {
		return []string{"bash", "-c", step.Run}
	}

	args := []string{"docker", "run", "--rm"}
	if wf.Container.Options != "" {
		// Validate guarantees the options tokenize
		opts, _ := shellquote.Split(wf.Container.Options)
		args = append(args, opts...)
	}
	if step.WorkingDir != "" {
		args = append(args, "-w", step.WorkingDir)
	}
	for _, p := range wf.Container.Ports {
		args = append(args, "-p", p)
	}
	for _, kv := range sortedEnv(wf.Env) {
		args = append(args, "-e", kv)
	}
	for _, kv := range sortedEnv(wf.Container.Env) {
		args = append(args, "-e", kv)
	}
	for _, kv := range sortedEnv(step.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, wf.Container.Image, "bash", "-c", step.Run)
	return args
}

func mergeEnv(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func sortedEnv(envs map[string]string) []string {
	kvs := make([]string, 0, len(envs))
	for k, v := range envs {
		kvs = append(kvs, k+"="+v)
	}
	sort.Strings(kvs)
	return kvs
}
