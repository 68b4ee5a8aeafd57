// Package launchconfig defines distributed training job configuration.
package launchconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/colorstring"
	"sigs.k8s.io/yaml" // must use "sigs.k8s.io/yaml"
)

// DIST_LAUNCHER_PREFIX is the environment variable prefix used for "launchconfig".
const DIST_LAUNCHER_PREFIX = "DIST_LAUNCHER_"

const (
	// TaskTypeTrain runs a distributed training entrypoint.
	TaskTypeTrain = "train"
	// TaskTypeTest runs the entrypoint under the framework test harness.
	TaskTypeTest = "test"

	// BackendTorchrun launches ranks with the torch elastic launcher.
	BackendTorchrun = "torchrun"

	// DefaultRdzvBackend is the default torchrun rendezvous backend.
	DefaultRdzvBackend = "c10d"
	// DefaultRedirects redirects both stdout and stderr of every rank to files.
	DefaultRedirects = "3"
	// DefaultTee tees both stdout and stderr of every rank.
	DefaultTee = "3"
	// DefaultSSHPort is the SSH port used when the runner does not set one.
	DefaultSSHPort = 22
)

// Config defines a distributed launch configuration.
type Config struct {
	mu *sync.RWMutex

	// Name is the job name.
	// If empty, launcher auto-populates it.
	Name string `json:"name"`
	// ExperimentDir is the root directory for all job state
	// (checkpoints, logs, scripts, pid files).
	ExperimentDir string `json:"experiment-dir"`

	// ConfigPath is the configuration file path.
	// Launcher is expected to update this file with latest status.
	ConfigPath string `json:"config-path,omitempty"`

	// LogColor is true to output logs in color.
	LogColor bool `json:"log-color"`
	// LogColorOverride is not empty to override "LogColor" setting.
	// If not empty, the automatic color check is not even run and use this value instead.
	// Useful to skip terminal color check when there is no color device (e.g., CI worker).
	LogColorOverride string `json:"log-color-override"`
	// LogLevel configures log level. Only supports debug, info, warn, error, panic, or fatal. Default 'info'.
	LogLevel string `json:"log-level"`
	// LogOutputs is a list of log outputs. Valid values are 'default', 'none', 'stderr', 'stdout', or file names.
	// 'default' maps to stderr and 'none' discards all logs.
	// Logs are appended to the existing file, if any.
	// Multiple values are accepted. If empty, it sets to 'default', which outputs to stderr.
	LogOutputs []string `json:"log-outputs,omitempty"`

	// Envs is exported in front of every launched command (K=V pairs).
	// "CUDA_VISIBLE_DEVICES" additionally caps the per-node process count.
	Envs map[string]string `json:"envs,omitempty"`

	// BeforeStart is a shell fragment run at the top of every generated run script.
	BeforeStart string `json:"before-start,omitempty"`
	// AfterStop is a shell fragment run at the end of every generated stop script.
	AfterStop string `json:"after-stop,omitempty"`

	Task       *Task       `json:"task"`
	Runner     *Runner     `json:"runner"`
	Checkpoint *Checkpoint `json:"checkpoint"`
	Logging    *Logging    `json:"logging"`
	S3         *S3         `json:"s3"`
}

// Task describes what to run on every node.
type Task struct {
	// Type is "train" or "test".
	Type string `json:"type"`
	// Backend is the training framework the flattened args are built for.
	Backend string `json:"backend"`
	// Entrypoint is the user script passed to the launcher backend.
	Entrypoint string `json:"entrypoint"`

	// System, Model and Data are flattened into command line arguments
	// for the entrypoint: keys become "--key" flags with underscores
	// converted to dashes, boolean true values become bare flags, and
	// list values are appended after the flag.
	System map[string]interface{} `json:"system,omitempty"`
	Model  map[string]interface{} `json:"model,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Runner describes how ranks are placed and started.
type Runner struct {
	// Backend is the rank launcher binary. Only "torchrun" is supported.
	Backend string `json:"backend"`

	// Hostfile is the path to the cluster inventory.
	// When empty or missing, the job runs on localhost only.
	Hostfile string `json:"hostfile,omitempty"`

	// NNodes is the requested node count. Accepts "N" or "MIN:MAX";
	// the max of a range is ignored, there is no elastic support.
	NNodes string `json:"nnodes,omitempty"`
	// NProcPerNode is the requested per-node process count.
	NProcPerNode int `json:"nproc-per-node,omitempty"`

	MasterAddr string `json:"master-addr,omitempty"`
	MasterPort int    `json:"master-port,omitempty"`

	// RdzvID identifies one rendezvous; auto-generated per launch when empty.
	RdzvID string `json:"rdzv-id,omitempty"`
	// RdzvBackend is the torchrun rendezvous backend. Default "c10d".
	RdzvBackend string `json:"rdzv-backend"`
	// RdzvEndpoint overrides the "master-addr:master-port" endpoint.
	RdzvEndpoint string `json:"rdzv-endpoint,omitempty"`

	// Redirects and Tee are passed through to torchrun.
	Redirects string `json:"redirects"`
	Tee       string `json:"tee"`

	// SSHUser and SSHKeyPath configure remote access to hostfile entries.
	SSHUser    string `json:"ssh-user,omitempty"`
	SSHKeyPath string `json:"ssh-key-path,omitempty"`
	SSHPort    int    `json:"ssh-port"`

	// Attach runs the job in the foreground instead of detaching with
	// nohup, streaming output back to the launcher. No pid file is
	// written; "stop" falls back to killing torchrun by name.
	Attach bool `json:"attach,omitempty"`

	// NoSharedFS is true when hosts do not share the experiment directory;
	// generated scripts are then copied to each host before running.
	NoSharedFS bool `json:"no-shared-fs"`
	// PerNodeTask runs the task independently on each node
	// (nnodes=1, node rank 0, local master).
	PerNodeTask bool `json:"per-node-task"`
}

// Checkpoint configures model checkpoint locations.
type Checkpoint struct {
	// Save is the directory checkpoints are written to.
	Save string `json:"save,omitempty"`
	// Load is the directory checkpoints are restored from.
	Load string `json:"load,omitempty"`
}

// Logging configures job output locations. Directories marked read-only
// are derived from LogDir by ValidateAndSetDefaults.
type Logging struct {
	LogDir         string `json:"log-dir,omitempty"`
	ScriptsDir     string `json:"scripts-dir,omitempty" read-only:"true"`
	PidsDir        string `json:"pids-dir,omitempty" read-only:"true"`
	DetailsDir     string `json:"details-dir,omitempty" read-only:"true"`
	TensorboardDir string `json:"tensorboard-dir,omitempty"`
	WandbDir       string `json:"wandb-dir,omitempty"`
}

// S3 configures optional artifact upload after a job.
type S3 struct {
	// Enable is true to upload the config snapshot, launcher log and
	// fetched host outputs after log collection.
	Enable bool `json:"enable"`
	// BucketName is the target bucket.
	BucketName string `json:"bucket-name,omitempty"`
	// KeyPrefix is prepended to every uploaded object key. Defaults to the job name.
	KeyPrefix string `json:"key-prefix,omitempty"`
	// Region is the bucket region.
	Region string `json:"region,omitempty"`
}

func (c Config) Colorize(input string) string {
	colorize := colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !c.LogColor,
		Reset:   true,
	}
	return colorize.Color(input)
}

// Load loads configuration from YAML.
//
// Example usage:
//
//	import "github.com/ml-infra/dist-launcher/launchconfig"
//	cfg, err := launchconfig.Load("job.yaml")
//	err = cfg.ValidateAndSetDefaults()
//
// Do not set default values in this function.
// "ValidateAndSetDefaults" must be called separately,
// to prevent overwriting previous data when loaded from disks.
func Load(p string) (cfg *Config, err error) {
	var d []byte
	d, err = os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	cfg = new(Config)
	if err = yaml.Unmarshal(d, cfg, yaml.DisallowUnknownFields); err != nil {
		return nil, err
	}

	cfg.mu = new(sync.RWMutex)
	var ap string
	ap, err = filepath.Abs(p)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = ap
	cfg.unsafeSync()

	return cfg, nil
}

// Sync persists current configuration and states to disk.
func (cfg *Config) Sync() (err error) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	return cfg.unsafeSync()
}

func (cfg *Config) unsafeSync() (err error) {
	var p string
	if cfg.ConfigPath != "" && !filepath.IsAbs(cfg.ConfigPath) {
		p, err = filepath.Abs(cfg.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to 'filepath.Abs(%s)' %v", cfg.ConfigPath, err)
		}
		cfg.ConfigPath = p
	}
	var d []byte
	d, err = yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to 'yaml.Marshal' %v", err)
	}

	err = os.WriteFile(cfg.ConfigPath, d, 0600)
	if err != nil {
		return fmt.Errorf("failed to write file %q (%v)", cfg.ConfigPath, err)
	}
	return nil
}
