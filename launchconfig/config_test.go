package launchconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadSync(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "job.yaml")
	body := `name: gpt-8b-nightly
experiment-dir: ` + filepath.Join(dir, "exp") + `
log-color: true
log-color-override: ""
log-level: info
task:
  type: train
  backend: megatron
  entrypoint: pretrain_gpt.py
  model:
    num_layers: 24
    use_flash_attn: true
runner:
  backend: torchrun
  rdzv-backend: c10d
  redirects: "3"
  tee: "3"
  ssh-port: 22
  no-shared-fs: false
  per-node-task: false
`
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "gpt-8b-nightly" {
		t.Fatalf("unexpected Name %q", cfg.Name)
	}
	if cfg.Task.Entrypoint != "pretrain_gpt.py" {
		t.Fatalf("unexpected Task.Entrypoint %q", cfg.Task.Entrypoint)
	}
	if v, ok := cfg.Task.Model["num_layers"]; !ok || v.(float64) != 24 {
		t.Fatalf("unexpected Task.Model %+v", cfg.Task.Model)
	}

	if err = cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	expDir := filepath.Join(dir, "exp")
	if cfg.Checkpoint.Save != filepath.Join(expDir, "checkpoints") {
		t.Fatalf("unexpected Checkpoint.Save %q", cfg.Checkpoint.Save)
	}
	if cfg.Logging.ScriptsDir != filepath.Join(expDir, "logs", "scripts") {
		t.Fatalf("unexpected Logging.ScriptsDir %q", cfg.Logging.ScriptsDir)
	}
	if cfg.Logging.PidsDir != filepath.Join(expDir, "logs", "pids") {
		t.Fatalf("unexpected Logging.PidsDir %q", cfg.Logging.PidsDir)
	}
	// a .log output must have been added next to the config
	found := false
	for _, out := range cfg.LogOutputs {
		if filepath.Ext(out) == ".log" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a .log output, got %v", cfg.LogOutputs)
	}

	// the validated config must have been synced back to disk
	reloaded, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Logging.ScriptsDir != cfg.Logging.ScriptsDir {
		t.Fatalf("unexpected reloaded Logging.ScriptsDir %q", reloaded.Logging.ScriptsDir)
	}
}

func TestLoadUnknownField(t *testing.T) {
	p := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(p, []byte("name: a\nbogus-field: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateErrors(t *testing.T) {
	dir := t.TempDir()

	cfg := NewDefault()
	cfg.Name = "UPPER-case"
	cfg.ConfigPath = filepath.Join(dir, "a.yaml")
	cfg.ExperimentDir = dir
	cfg.Task.Entrypoint = "train.py"
	err := cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "lower-case") {
		t.Fatalf("expected lower-case error, got %v", err)
	}

	cfg = NewDefault()
	cfg.ConfigPath = filepath.Join(dir, "b.yaml")
	cfg.ExperimentDir = dir
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "Entrypoint") {
		t.Fatalf("expected entrypoint error, got %v", err)
	}

	cfg = NewDefault()
	cfg.ConfigPath = filepath.Join(dir, "c.yaml")
	cfg.ExperimentDir = dir
	cfg.Task.Entrypoint = "train.py"
	cfg.Task.Type = "serve"
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "unsupported task type") {
		t.Fatalf("expected task type error, got %v", err)
	}

	cfg = NewDefault()
	cfg.ConfigPath = filepath.Join(dir, "d.yaml")
	cfg.ExperimentDir = dir
	cfg.Task.Entrypoint = "train.py"
	cfg.Runner.NNodes = "two"
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "NNodes") {
		t.Fatalf("expected nnodes error, got %v", err)
	}

	cfg = NewDefault()
	cfg.ConfigPath = filepath.Join(dir, "e.yaml")
	cfg.ExperimentDir = dir
	cfg.Task.Entrypoint = "train.py"
	cfg.Runner.Hostfile = filepath.Join(dir, "hostfile")
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "SSHKeyPath") {
		t.Fatalf("expected ssh key error, got %v", err)
	}

	cfg = NewDefault()
	cfg.ConfigPath = filepath.Join(dir, "f.yaml")
	cfg.ExperimentDir = dir
	cfg.Task.Entrypoint = "train.py"
	cfg.S3.Enable = true
	err = cfg.ValidateAndSetDefaults()
	if err == nil || !strings.Contains(err.Error(), "BucketName") {
		t.Fatalf("expected bucket error, got %v", err)
	}
}

func TestLogOutputAliases(t *testing.T) {
	dir := t.TempDir()

	cfg := NewDefault()
	cfg.ConfigPath = filepath.Join(dir, "a.yaml")
	cfg.ExperimentDir = dir
	cfg.Task.Entrypoint = "train.py"
	cfg.LogOutputs = []string{"default"}
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	if cfg.LogOutputs[0] != "stderr" {
		t.Fatalf("expected 'default' to map to stderr, got %v", cfg.LogOutputs)
	}
	found := false
	for _, out := range cfg.LogOutputs {
		if filepath.Ext(out) == ".log" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a .log output, got %v", cfg.LogOutputs)
	}

	cfg = NewDefault()
	cfg.ConfigPath = filepath.Join(dir, "b.yaml")
	cfg.ExperimentDir = dir
	cfg.Task.Entrypoint = "train.py"
	cfg.LogOutputs = []string{"none"}
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	if len(cfg.LogOutputs) != 1 || cfg.LogOutputs[0] != "/dev/null" {
		t.Fatalf("expected 'none' to map to /dev/null, got %v", cfg.LogOutputs)
	}
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()
	if cfg.Name == "" {
		t.Fatal("expected auto-generated Name")
	}
	if cfg.Runner.RdzvBackend != DefaultRdzvBackend {
		t.Fatalf("unexpected RdzvBackend %q", cfg.Runner.RdzvBackend)
	}
	if cfg.Runner.SSHPort != DefaultSSHPort {
		t.Fatalf("unexpected SSHPort %d", cfg.Runner.SSHPort)
	}
	if !cfg.LogColor {
		t.Fatal("expected LogColor true by default")
	}
}
