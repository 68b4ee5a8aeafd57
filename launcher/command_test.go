package launcher

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ml-infra/dist-launcher/launchconfig"
)

func TestResolveNNodes(t *testing.T) {
	tt := []struct {
		fromHostfile int
		fromConfig   string
		expected     int
		expectErr    bool
	}{
		{fromHostfile: 4, fromConfig: "", expected: 4},
		{fromHostfile: 4, fromConfig: "2", expected: 2},
		{fromHostfile: 2, fromConfig: "8", expected: 2},
		{fromHostfile: 4, fromConfig: "2:16", expected: 2},
		{fromHostfile: 0, fromConfig: "3", expected: 3},
		{fromHostfile: 0, fromConfig: "3:9", expected: 3},
		{fromHostfile: 0, fromConfig: "", expectErr: true},
		{fromHostfile: 4, fromConfig: "two", expectErr: true},
	}
	for i, tv := range tt {
		n, err := resolveNNodes(tv.fromHostfile, tv.fromConfig)
		if tv.expectErr {
			if err == nil {
				t.Fatalf("#%d: expected error, got %d", i, n)
			}
			continue
		}
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if n != tv.expected {
			t.Fatalf("#%d: expected %d, got %d", i, tv.expected, n)
		}
	}
}

func TestResolveNProcPerNode(t *testing.T) {
	tt := []struct {
		fromHostfile int
		fromConfig   int
		numVisible   int
		expected     int
	}{
		{fromHostfile: 8, fromConfig: 4, numVisible: 0, expected: 4},
		{fromHostfile: 8, fromConfig: 4, numVisible: 2, expected: 2},
		{fromHostfile: 8, fromConfig: 0, numVisible: 0, expected: 8},
		{fromHostfile: 8, fromConfig: 0, numVisible: 4, expected: 4},
		{fromHostfile: 0, fromConfig: 4, numVisible: 0, expected: 4},
		{fromHostfile: 0, fromConfig: 4, numVisible: 2, expected: 2},
		{fromHostfile: 0, fromConfig: 0, numVisible: 6, expected: 6},
		{fromHostfile: 0, fromConfig: 0, numVisible: 0, expected: 1},
	}
	for i, tv := range tt {
		if n := resolveNProcPerNode(tv.fromHostfile, tv.fromConfig, tv.numVisible); n != tv.expected {
			t.Fatalf("#%d: expected %d, got %d", i, tv.expected, n)
		}
	}
}

func TestNumVisibleDevices(t *testing.T) {
	if n := numVisibleDevices(nil); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	if n := numVisibleDevices(map[string]string{"CUDA_VISIBLE_DEVICES": "0,1,2,3"}); n != 4 {
		t.Fatalf("expected 4, got %d", n)
	}
	if n := numVisibleDevices(map[string]string{"NCCL_DEBUG": "INFO"}); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestFlattenArgs(t *testing.T) {
	block := map[string]interface{}{
		"num_layers":     24,
		"use_flash_attn": true,
		"fp16":           false,
		"data_path":      []interface{}{"1.0", "/data/pile"},
		"optimizer": map[string]interface{}{
			"lr": 0.0001,
		},
		"log_dir": "/ignored",
	}
	args := flattenArgs(block, map[string]struct{}{"log_dir": {}})
	expected := []string{
		"--data-path", "1.0", "/data/pile",
		"--lr", "0.0001",
		"--num-layers", "24",
		"--use-flash-attn",
	}
	if !reflect.DeepEqual(args, expected) {
		t.Fatalf("expected %v, got %v", expected, args)
	}
}

func testConfig(dir string) *launchconfig.Config {
	return &launchconfig.Config{
		Name:          "test-job",
		ExperimentDir: dir,
		Envs:          map[string]string{"NCCL_DEBUG": "INFO"},
		Task: &launchconfig.Task{
			Type:       launchconfig.TaskTypeTrain,
			Backend:    "megatron",
			Entrypoint: "pretrain_gpt.py",
			Model: map[string]interface{}{
				"num_layers": 24,
			},
		},
		Runner: &launchconfig.Runner{
			Backend:     launchconfig.BackendTorchrun,
			RdzvBackend: launchconfig.DefaultRdzvBackend,
			Redirects:   launchconfig.DefaultRedirects,
			Tee:         launchconfig.DefaultTee,
			SSHPort:     launchconfig.DefaultSSHPort,
		},
		Checkpoint: &launchconfig.Checkpoint{
			Save: dir + "/checkpoints",
			Load: dir + "/checkpoints",
		},
		Logging: &launchconfig.Logging{
			LogDir:         dir + "/logs",
			ScriptsDir:     dir + "/logs/scripts",
			PidsDir:        dir + "/logs/pids",
			DetailsDir:     dir + "/logs/details",
			TensorboardDir: dir + "/tensorboard",
			WandbDir:       dir + "/wandb",
		},
		S3: &launchconfig.S3{},
	}
}

func TestBuildCommand(t *testing.T) {
	cfg := testConfig(t.TempDir())
	plan := nodePlan{
		Host:         "worker1",
		NodeRank:     1,
		NNodes:       2,
		NProcPerNode: 8,
		MasterAddr:   "worker0",
		MasterPort:   29500,
	}
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	cmd := buildCommand(cfg, plan, "abc123", now)

	for _, sub := range []string{
		"NCCL_DEBUG=INFO",
		"torchrun",
		"--rdzv_id abc123",
		"--nnodes 2",
		"--node_rank 1",
		"--nproc_per_node 8",
		"--rdzv_backend c10d",
		"--rdzv_endpoint worker0:29500",
		"--redirects 3",
		"--tee 3",
		"pretrain_gpt.py",
		"--num-layers 24",
		"host_1_worker1",
	} {
		if !strings.Contains(cmd, sub) {
			t.Fatalf("expected %q in command %q", sub, cmd)
		}
	}
}

func TestBuildCommandPerNodeTask(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Runner.PerNodeTask = true
	plan := nodePlan{
		Host:         "worker1",
		NodeRank:     1,
		NNodes:       2,
		NProcPerNode: 8,
		MasterAddr:   "worker0",
		MasterPort:   29500,
	}

	cmd := buildCommand(cfg, plan, "abc123", time.Now())

	for _, sub := range []string{
		"--nnodes 1",
		"--node_rank 0",
		"--rdzv_endpoint localhost:29500",
	} {
		if !strings.Contains(cmd, sub) {
			t.Fatalf("expected %q in command %q", sub, cmd)
		}
	}
}
