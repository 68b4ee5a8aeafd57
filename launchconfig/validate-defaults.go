package launchconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ml-infra/dist-launcher/pkg/fileutil"
	"github.com/ml-infra/dist-launcher/pkg/logutil"
	"github.com/ml-infra/dist-launcher/pkg/randutil"
)

// NewDefault returns a default configuration.
//   - empty string creates a non-nil object for pointer-type field
//   - omitting an entire field returns nil value
//   - make sure to check both
func NewDefault() *Config {
	name := fmt.Sprintf("launch-%s-%s", getTS()[:8], randutil.String(8))
	if v := os.Getenv(DIST_LAUNCHER_PREFIX + "NAME"); v != "" {
		name = v
	}
	return &Config{
		mu: new(sync.RWMutex),

		Name: name,

		// to be auto-generated
		ConfigPath:    "",
		ExperimentDir: "",

		LogColor: true,
		LogLevel: logutil.DefaultLogLevel,
		// default, stderr, stdout, or file name
		// log file named with job name will be added automatically
		LogOutputs: []string{"stderr"},

		Task: &Task{
			Type:    TaskTypeTrain,
			Backend: "megatron",
		},
		Runner: &Runner{
			Backend:     BackendTorchrun,
			RdzvBackend: DefaultRdzvBackend,
			Redirects:   DefaultRedirects,
			Tee:         DefaultTee,
			SSHPort:     DefaultSSHPort,
		},
		Checkpoint: &Checkpoint{},
		Logging:    &Logging{},
		S3:         &S3{},
	}
}

// ValidateAndSetDefaults returns an error for invalid configurations.
// And updates empty fields with default values.
// At the end, it writes populated YAML to the config path.
func (cfg *Config) ValidateAndSetDefaults() error {
	if cfg.mu == nil {
		cfg.mu = new(sync.RWMutex)
	}
	cfg.mu.Lock()
	defer func() {
		cfg.unsafeSync()
		cfg.mu.Unlock()
	}()

	if err := cfg.validateConfig(); err != nil {
		return fmt.Errorf("validateConfig failed [%v]", err)
	}
	if err := cfg.validateTask(); err != nil {
		return fmt.Errorf("validateTask failed [%v]", err)
	}
	if err := cfg.validateRunner(); err != nil {
		return fmt.Errorf("validateRunner failed [%v]", err)
	}
	if err := cfg.deriveDirs(); err != nil {
		return fmt.Errorf("deriveDirs failed [%v]", err)
	}

	return nil
}

func (cfg *Config) validateConfig() error {
	if len(cfg.Name) == 0 {
		return errors.New("Name is empty")
	}
	if cfg.Name != strings.ToLower(cfg.Name) {
		return fmt.Errorf("Name %q must be in lower-case", cfg.Name)
	}

	if cfg.LogColorOverride != "" {
		ov, err := strconv.ParseBool(cfg.LogColorOverride)
		if err != nil {
			return fmt.Errorf("invalid LogColorOverride %q (%v)", cfg.LogColorOverride, err)
		}
		cfg.LogColor = ov
	}
	if len(cfg.LogOutputs) == 0 {
		cfg.LogOutputs = []string{"stderr"}
	}
	cfg.LogOutputs = logutil.NormalizeOutputPaths(cfg.LogOutputs)

	if cfg.ExperimentDir == "" {
		rootDir, err := os.Getwd()
		if err != nil {
			rootDir = os.TempDir()
		}
		cfg.ExperimentDir = filepath.Join(rootDir, cfg.Name)
	}
	var err error
	cfg.ExperimentDir, err = filepath.Abs(cfg.ExperimentDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ExperimentDir, 0700); err != nil {
		return err
	}
	if err := fileutil.IsDirWriteable(cfg.ExperimentDir); err != nil {
		return err
	}

	if cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(cfg.ExperimentDir, cfg.Name+".yaml")
	}
	cfg.ConfigPath, err = filepath.Abs(cfg.ConfigPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0700); err != nil {
		return err
	}
	if err := fileutil.IsDirWriteable(filepath.Dir(cfg.ConfigPath)); err != nil {
		return err
	}

	if len(cfg.LogOutputs) == 1 && (cfg.LogOutputs[0] == "stderr" || cfg.LogOutputs[0] == "stdout") {
		cfg.LogOutputs = append(cfg.LogOutputs, cfg.ConfigPath+".log")
	}

	return nil
}

func (cfg *Config) validateTask() error {
	if cfg.Task == nil {
		cfg.Task = &Task{}
	}
	if cfg.Task.Type == "" {
		cfg.Task.Type = TaskTypeTrain
	}
	switch cfg.Task.Type {
	case TaskTypeTrain, TaskTypeTest:
	default:
		return fmt.Errorf("unsupported task type %q", cfg.Task.Type)
	}
	if cfg.Task.Backend == "" {
		cfg.Task.Backend = "megatron"
	}
	if cfg.Task.Entrypoint == "" {
		return errors.New("Task.Entrypoint is empty")
	}
	return nil
}

func (cfg *Config) validateRunner() error {
	if cfg.Runner == nil {
		cfg.Runner = &Runner{}
	}
	if cfg.Runner.Backend == "" {
		cfg.Runner.Backend = BackendTorchrun
	}
	if cfg.Runner.Backend != BackendTorchrun {
		return fmt.Errorf("unsupported runner backend %q", cfg.Runner.Backend)
	}
	if cfg.Runner.NNodes != "" {
		// "N" or "MIN:MAX"; max is ignored, no elastic support
		min := cfg.Runner.NNodes
		if idx := strings.Index(min, ":"); idx >= 0 {
			min = min[:idx]
		}
		if _, err := strconv.Atoi(min); err != nil {
			return fmt.Errorf("invalid Runner.NNodes %q (%v)", cfg.Runner.NNodes, err)
		}
	}
	if cfg.Runner.NProcPerNode < 0 {
		return fmt.Errorf("invalid Runner.NProcPerNode %d", cfg.Runner.NProcPerNode)
	}
	if cfg.Runner.RdzvBackend == "" {
		cfg.Runner.RdzvBackend = DefaultRdzvBackend
	}
	if cfg.Runner.Redirects == "" {
		cfg.Runner.Redirects = DefaultRedirects
	}
	if cfg.Runner.Tee == "" {
		cfg.Runner.Tee = DefaultTee
	}
	if cfg.Runner.SSHPort == 0 {
		cfg.Runner.SSHPort = DefaultSSHPort
	}
	if cfg.Runner.Hostfile != "" && cfg.Runner.SSHKeyPath == "" {
		return errors.New("Runner.Hostfile is set but Runner.SSHKeyPath is empty")
	}

	if cfg.S3 == nil {
		cfg.S3 = &S3{}
	}
	if cfg.S3.Enable {
		if cfg.S3.BucketName == "" {
			return errors.New("S3.Enable is true but S3.BucketName is empty")
		}
		if cfg.S3.KeyPrefix == "" {
			cfg.S3.KeyPrefix = cfg.Name
		}
	}
	return nil
}

// deriveDirs fills in every directory the generated scripts depend on.
func (cfg *Config) deriveDirs() error {
	if cfg.Checkpoint == nil {
		cfg.Checkpoint = &Checkpoint{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}

	if cfg.Checkpoint.Save == "" {
		cfg.Checkpoint.Save = filepath.Join(cfg.ExperimentDir, "checkpoints")
	}
	if cfg.Checkpoint.Load == "" {
		cfg.Checkpoint.Load = filepath.Join(cfg.ExperimentDir, "checkpoints")
	}
	if cfg.Logging.LogDir == "" {
		cfg.Logging.LogDir = filepath.Join(cfg.ExperimentDir, "logs")
	}
	var err error
	for _, p := range []*string{&cfg.Checkpoint.Save, &cfg.Checkpoint.Load, &cfg.Logging.LogDir} {
		if *p, err = filepath.Abs(*p); err != nil {
			return err
		}
	}
	cfg.Logging.ScriptsDir = filepath.Join(cfg.Logging.LogDir, "scripts")
	cfg.Logging.PidsDir = filepath.Join(cfg.Logging.LogDir, "pids")
	cfg.Logging.DetailsDir = filepath.Join(cfg.Logging.LogDir, "details")
	if cfg.Logging.TensorboardDir == "" {
		cfg.Logging.TensorboardDir = filepath.Join(cfg.ExperimentDir, "tensorboard")
	}
	if cfg.Logging.WandbDir == "" {
		cfg.Logging.WandbDir = filepath.Join(cfg.ExperimentDir, "wandb")
	}
	return nil
}

func getTS() string {
	now := time.Now()
	return fmt.Sprintf(
		"%04d%02d%02d%02d%02d",
		now.Year(),
		int(now.Month()),
		now.Day(),
		now.Hour(),
		now.Second(),
	)
}
