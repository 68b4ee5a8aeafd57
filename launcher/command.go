package launcher

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/ml-infra/dist-launcher/launchconfig"
)

// nodePlan describes one node's share of a launch.
type nodePlan struct {
	Host         string
	NodeRank     int
	NNodes       int
	NProcPerNode int
	MasterAddr   string
	MasterPort   int
}

// resolveNNodes picks the effective node count. Accepts "N" or "MIN:MAX"
// from the configuration; the max of a range is ignored, there is no
// elastic support. Zero hostfile nodes means no hostfile.
func resolveNNodes(fromHostfile int, fromConfig string) (int, error) {
	if fromHostfile <= 0 && fromConfig == "" {
		return 0, fmt.Errorf("no node count available (hostfile %d, config %q)", fromHostfile, fromConfig)
	}
	if fromConfig == "" {
		return fromHostfile, nil
	}
	min := fromConfig
	if idx := strings.Index(min, ":"); idx >= 0 {
		min = min[:idx]
	}
	n, err := strconv.Atoi(min)
	if err != nil {
		return 0, fmt.Errorf("invalid node count %q (%v)", fromConfig, err)
	}
	if fromHostfile > 0 && fromHostfile < n {
		n = fromHostfile
	}
	return n, nil
}

// resolveNProcPerNode picks the effective per-node process count as the
// minimum of the hostfile slots, the configured count, and the number of
// visible CUDA devices. Zero means "not set"; with nothing set, one
// process is launched.
func resolveNProcPerNode(fromHostfile int, fromConfig int, numVisibleDevices int) int {
	n := 0
	for _, v := range []int{fromHostfile, fromConfig, numVisibleDevices} {
		if v <= 0 {
			continue
		}
		if n == 0 || v < n {
			n = v
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// numVisibleDevices counts entries in the CUDA_VISIBLE_DEVICES
// environment variable, if the job exports one.
func numVisibleDevices(envs map[string]string) int {
	v, ok := envs["CUDA_VISIBLE_DEVICES"]
	if !ok || v == "" {
		return 0
	}
	return len(strings.Split(v, ","))
}

// flattenArgs converts a nested config block into command line arguments.
// Keys become "--key" flags with underscores converted to dashes, boolean
// true values become bare flags, boolean false values are dropped, list
// values are appended after the flag, and nested maps are flattened
// recursively. Keys are emitted in sorted order so generated commands are
// deterministic.
func flattenArgs(block map[string]interface{}, ignoreKeys map[string]struct{}) (args []string) {
	keys := make([]string, 0, len(block))
	for k := range block {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := ignoreKeys[k]; ok {
			continue
		}
		flag := "--" + strings.ReplaceAll(k, "_", "-")
		switch vv := block[k].(type) {
		case map[string]interface{}:
			args = append(args, flattenArgs(vv, ignoreKeys)...)
		case []interface{}:
			args = append(args, flag)
			for _, item := range vv {
				args = append(args, fmt.Sprintf("%v", item))
			}
		case bool:
			if vv {
				args = append(args, flag)
			}
		default:
			args = append(args, flag, fmt.Sprintf("%v", vv))
		}
	}
	return args
}

// derived output locations are filled by the config layer,
// not meant to reach the entrypoint command line
var taskIgnoreKeys = map[string]struct{}{
	"log_dir":     {},
	"details_dir": {},
	"scripts_dir": {},
	"pids_dir":    {},
}

// taskArgs flattens the task's system, model and data blocks into
// entrypoint arguments. Later blocks override earlier ones on key
// conflicts.
func taskArgs(task *launchconfig.Task) []string {
	merged := make(map[string]interface{})
	for _, block := range []map[string]interface{}{task.System, task.Model, task.Data} {
		for k, v := range block {
			merged[k] = v
		}
	}
	return flattenArgs(merged, taskIgnoreKeys)
}

// rankLogDir returns the per-launch torchrun log directory for one node.
// Without a shared filesystem every host writes to the same "host" path;
// otherwise directories are keyed by node rank and host name. A timestamp
// keeps repeated launches apart.
func rankLogDir(cfg *launchconfig.Config, host string, nodeRank int, now time.Time) string {
	dir := cfg.Logging.DetailsDir
	if cfg.Runner.NoSharedFS {
		dir = filepath.Join(dir, "host")
	} else {
		dir = filepath.Join(dir, fmt.Sprintf("host_%d_%s", nodeRank, host))
	}
	return filepath.Join(dir, now.Format("20060102_150405.000000"))
}

// buildCommand assembles the full shell command for one node: exported
// environment variables, the torchrun invocation, the entrypoint and its
// flattened arguments, all shell-quoted.
func buildCommand(cfg *launchconfig.Config, plan nodePlan, rdzvID string, now time.Time) string {
	host := plan.Host
	nnodes := plan.NNodes
	nodeRank := plan.NodeRank
	masterAddr := plan.MasterAddr
	if cfg.Runner.PerNodeTask {
		nnodes = 1
		nodeRank = 0
		masterAddr = "localhost"
	}

	rdzvEndpoint := cfg.Runner.RdzvEndpoint
	if rdzvEndpoint == "" {
		rdzvEndpoint = fmt.Sprintf("%s:%d", masterAddr, plan.MasterPort)
	}

	var parts []string

	envKeys := make([]string, 0, len(cfg.Envs))
	for k := range cfg.Envs {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		parts = append(parts, k+"="+cfg.Envs[k])
	}

	// torchrun flags keep underscores
	parts = append(parts,
		cfg.Runner.Backend,
		"--rdzv_id", rdzvID,
		"--nnodes", strconv.Itoa(nnodes),
		"--node_rank", strconv.Itoa(nodeRank),
		"--nproc_per_node", strconv.Itoa(plan.NProcPerNode),
		"--rdzv_backend", cfg.Runner.RdzvBackend,
		"--rdzv_endpoint", rdzvEndpoint,
		"--log_dir", rankLogDir(cfg, host, nodeRank, now),
		"--redirects", cfg.Runner.Redirects,
		"--tee", cfg.Runner.Tee,
	)

	parts = append(parts, cfg.Task.Entrypoint)
	parts = append(parts, taskArgs(cfg.Task)...)

	return shellquote.Join(parts...)
}
