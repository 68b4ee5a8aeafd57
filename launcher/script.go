package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ml-infra/dist-launcher/launchconfig"
)

// hostOutputPath is the file a node's combined stdout and stderr is
// appended to. Output is always appended, never truncated, so repeated
// launches of the same experiment accumulate in one place.
func hostOutputPath(cfg *launchconfig.Config, host string, nodeRank int) string {
	if cfg.Runner.NoSharedFS {
		return filepath.Join(cfg.Logging.LogDir, "host.output")
	}
	return filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("host_%d_%s.output", nodeRank, host))
}

func runScriptPath(cfg *launchconfig.Config, host string, nodeRank int) string {
	return filepath.Join(cfg.Logging.ScriptsDir, fmt.Sprintf("host_%d_%s_run.sh", nodeRank, host))
}

func stopScriptPath(cfg *launchconfig.Config, host string, nodeRank int) string {
	return filepath.Join(cfg.Logging.ScriptsDir, fmt.Sprintf("host_%d_%s_stop.sh", nodeRank, host))
}

func pidFilePath(cfg *launchconfig.Config, host string, nodeRank int) string {
	return filepath.Join(cfg.Logging.PidsDir, fmt.Sprintf("host_%d_%s.pid", nodeRank, host))
}

// writeRunScript generates the per-node run script. The script creates
// every directory the job writes to, exports the command, and either runs
// it in the foreground (test tasks, attached runs) or in the background
// with nohup, recording the shell pid for the stop script.
func writeRunScript(cfg *launchconfig.Config, host string, nodeRank int, cmd string, background bool) (string, error) {
	if err := os.MkdirAll(cfg.Logging.ScriptsDir, 0755); err != nil {
		return "", err
	}

	outputPath := hostOutputPath(cfg, host, nodeRank)
	pidPath := pidFilePath(cfg, host, nodeRank)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n\n")
	if cfg.BeforeStart != "" {
		b.WriteString(cfg.BeforeStart)
	}
	b.WriteString("\n")
	for _, dir := range []string{
		cfg.Checkpoint.Load,
		cfg.Checkpoint.Save,
		cfg.Logging.LogDir,
		cfg.Logging.PidsDir,
		cfg.Logging.DetailsDir,
		cfg.Logging.TensorboardDir,
		cfg.Logging.WandbDir,
	} {
		fmt.Fprintf(&b, "mkdir -p %s\n", dir)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "cd %s\n", cfg.ExperimentDir)
	b.WriteString("\n")
	fmt.Fprintf(&b, "cmd=\"%s\"\n", cmd)
	b.WriteString("\n")
	switch {
	case cfg.Task.Type == launchconfig.TaskTypeTest:
		b.WriteString("bash -c \"$cmd\"\n")
	case background:
		fmt.Fprintf(&b, "nohup bash -c \"$cmd\" >> %s 2>&1 & echo $! > %s\n", outputPath, pidPath)
	default:
		fmt.Fprintf(&b, "bash -c \"$cmd\" >> %s 2>&1\n", outputPath)
	}
	b.WriteString("\n")

	p := runScriptPath(cfg, host, nodeRank)
	if err := writeScript(p, b.String()); err != nil {
		return "", err
	}
	return p, nil
}

// writeStopScript generates the per-node stop script. It kills the
// process group recorded in the pid file; without a pid file it falls
// back to killing any torchrun on the host.
func writeStopScript(cfg *launchconfig.Config, host string, nodeRank int) (string, error) {
	if err := os.MkdirAll(cfg.Logging.ScriptsDir, 0755); err != nil {
		return "", err
	}

	pidPath := pidFilePath(cfg, host, nodeRank)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n\n")
	fmt.Fprintf(&b, "if [ -f %s ]; then\n", pidPath)
	fmt.Fprintf(&b, "    pid=$(cat %s)\n", pidPath)
	b.WriteString("    pkill -P $pid\n")
	b.WriteString("else\n")
	b.WriteString("    pkill -f 'torchrun'\n")
	b.WriteString("fi\n")
	if cfg.AfterStop != "" {
		b.WriteString(cfg.AfterStop)
	}
	b.WriteString("\n")

	p := stopScriptPath(cfg, host, nodeRank)
	if err := writeScript(p, b.String()); err != nil {
		return "", err
	}
	return p, nil
}

func writeScript(p string, body string) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	if _, err = f.WriteString(body); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Chmod(p, 0755)
}
