// Package launcher starts and stops distributed training jobs across
// the hosts of a cluster inventory.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	aws_config_v2 "github.com/aws/aws-sdk-go-v2/config"
	aws_s3_v2 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ml-infra/dist-launcher/hostfile"
	"github.com/ml-infra/dist-launcher/internal/ssh"
	"github.com/ml-infra/dist-launcher/launchconfig"
	"github.com/ml-infra/dist-launcher/pkg/logutil"
	"github.com/ml-infra/dist-launcher/pkg/netutil"
	"github.com/ml-infra/dist-launcher/version"
)

// Launcher runs one distributed training job described by a launch
// configuration.
type Launcher struct {
	color func(string) string

	stopCreationCh     chan struct{}
	stopCreationChOnce *sync.Once

	osSig chan os.Signal

	stopMu *sync.Mutex
	logsMu *sync.RWMutex

	lg        *zap.Logger
	logWriter io.Writer
	logFile   *os.File

	cfg   *launchconfig.Config
	hosts hostfile.Hosts

	s3API *aws_s3_v2.Client

	// fetched output files per host, keyed by "host_<rank>_<name>"
	outputs map[string][]string
}

// New creates a new job launcher.
func New(cfg *launchconfig.Config) (*Launcher, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	lg, logWriter, logFile, err := logutil.NewWithStderrWriter(cfg.LogLevel, cfg.LogOutputs)
	if err != nil {
		return nil, err
	}
	lg.Info("set up log writer and file", zap.Strings("outputs", cfg.LogOutputs), zap.Bool("is-color", cfg.LogColor))
	cfg.Sync()

	fmt.Fprint(logWriter, cfg.Colorize("\n\n[yellow]*********************************\n"))
	fmt.Fprintf(logWriter, cfg.Colorize("[light_green]New %q [default](%q)\n"), cfg.ConfigPath, version.Version())

	ts := &Launcher{
		color:              cfg.Colorize,
		stopCreationCh:     make(chan struct{}),
		stopCreationChOnce: new(sync.Once),
		osSig:              make(chan os.Signal),
		stopMu:             new(sync.Mutex),
		logsMu:             new(sync.RWMutex),
		lg:                 lg,
		logWriter:          logWriter,
		logFile:            logFile,
		cfg:                cfg,
		outputs:            make(map[string][]string),
	}
	signal.Notify(ts.osSig, syscall.SIGTERM, syscall.SIGINT)

	defer ts.cfg.Sync()

	ts.lg.Info("launching from", zap.String("host", netutil.HostNameOrIP()))

	ts.hosts, err = hostfile.Parse(cfg.Runner.Hostfile)
	if err != nil {
		return nil, err
	}
	if ts.hosts == nil {
		ts.lg.Warn("hostfile not found; the job will proceed using only local resources",
			zap.String("hostfile", cfg.Runner.Hostfile),
		)
	} else {
		ts.lg.Info("parsed hostfile",
			zap.String("hostfile", cfg.Runner.Hostfile),
			zap.Strings("hosts", ts.hosts.Names()),
			zap.Int("total-slots", ts.hosts.TotalSlots()),
		)
	}

	if cfg.S3.Enable {
		opts := []func(*aws_config_v2.LoadOptions) error{}
		if cfg.S3.Region != "" {
			opts = append(opts, aws_config_v2.WithRegion(cfg.S3.Region))
		}
		awsCfg, err := aws_config_v2.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration for S3 uploads (%v)", err)
		}
		ts.s3API = aws_s3_v2.NewFromConfig(awsCfg)
		fmt.Fprintln(ts.logWriter, "S3 API available!")
	}

	return ts, nil
}

// planNodes resolves which hosts take part in the launch, their node
// ranks and per-node process counts, and the rendezvous master. Host
// order in the hostfile defines node rank order; without a hostfile the
// job runs on localhost only.
func (ts *Launcher) planNodes() (plans []nodePlan, err error) {
	numVisible := numVisibleDevices(ts.cfg.Envs)

	if ts.hosts == nil {
		masterAddr := ts.cfg.Runner.MasterAddr
		if masterAddr == "" {
			masterAddr = "localhost"
		}
		masterPort := ts.cfg.Runner.MasterPort
		if masterPort == 0 {
			if masterPort, err = netutil.FreePort(); err != nil {
				return nil, err
			}
		}
		return []nodePlan{{
			Host:         "localhost",
			NodeRank:     0,
			NNodes:       1,
			NProcPerNode: resolveNProcPerNode(0, ts.cfg.Runner.NProcPerNode, numVisible),
			MasterAddr:   masterAddr,
			MasterPort:   masterPort,
		}}, nil
	}

	nnodes, err := resolveNNodes(len(ts.hosts), ts.cfg.Runner.NNodes)
	if err != nil {
		return nil, err
	}
	masterAddr := ts.cfg.Runner.MasterAddr
	if masterAddr == "" {
		masterAddr = ts.hosts[0].Name
	}
	masterPort := ts.cfg.Runner.MasterPort
	if masterPort == 0 {
		if masterPort, err = netutil.FreePort(); err != nil {
			return nil, err
		}
	}

	for rank, h := range ts.hosts {
		if rank >= nnodes {
			break
		}
		plans = append(plans, nodePlan{
			Host:         h.Name,
			NodeRank:     rank,
			NNodes:       nnodes,
			NProcPerNode: resolveNProcPerNode(h.Slots, ts.cfg.Runner.NProcPerNode, numVisible),
			MasterAddr:   masterAddr,
			MasterPort:   masterPort,
		})
	}
	return plans, nil
}

// Launch starts the job on every planned node in node rank order,
// stopping at the first failure. With dryRun, scripts are generated and
// commands logged but nothing is executed.
func (ts *Launcher) Launch(dryRun bool) (err error) {
	fmt.Fprint(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
	fmt.Fprintf(ts.logWriter, ts.color("[light_green]LAUNCH START [default](%q)\n"), ts.cfg.ConfigPath)

	now := time.Now()

	defer func() {
		fmt.Fprint(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
		fmt.Fprintf(ts.logWriter, ts.color("[light_green]LAUNCH DEFER START [default](%q)\n"), ts.cfg.ConfigPath)
		ts.logFile.Sync()

		if serr := ts.uploadToS3(); serr != nil {
			ts.lg.Warn("failed to upload artifacts to S3", zap.Error(serr))
		}
		fmt.Fprintf(ts.logWriter, "\n\n# to stop the job\ndist-launcher stop --path %s\n\n", ts.cfg.ConfigPath)

		if err == nil {
			ts.lg.Info("Launch succeeded",
				zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
			)
			fmt.Fprint(ts.logWriter, ts.color("\n\n[light_green]LAUNCH SUCCESS\n\n\n"))
		} else {
			ts.lg.Warn("Launch failed",
				zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
				zap.Error(err),
			)
			fmt.Fprint(ts.logWriter, ts.color("\n\n[light_magenta]LAUNCH FAIL\n"))
		}
		ts.logFile.Sync()
	}()

	ts.lg.Info("Launch started",
		zap.String("version", version.Version()),
		zap.String("name", ts.cfg.Name),
		zap.Bool("dry-run", dryRun),
	)
	defer ts.cfg.Sync()

	rdzvID := ts.cfg.Runner.RdzvID
	if rdzvID == "" {
		rdzvID = uuid.NewString()
	}
	ts.lg.Info("rendezvous", zap.String("rdzv-id", rdzvID), zap.String("rdzv-backend", ts.cfg.Runner.RdzvBackend))

	plans, err := ts.planNodes()
	if err != nil {
		return err
	}

	launchTime := time.Now()
	for _, plan := range plans {
		plan := plan
		fmt.Fprint(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
		fmt.Fprintf(ts.logWriter, ts.color("[light_green]launch node %d/%d [default](%q)\n"), plan.NodeRank+1, plan.NNodes, plan.Host)
		if err = catchInterrupt(
			ts.lg,
			ts.stopCreationCh,
			ts.stopCreationChOnce,
			ts.osSig,
			func() error { return ts.runEach(plan, rdzvID, launchTime, dryRun) },
		); err != nil {
			return err
		}
	}

	return ts.cfg.Sync()
}

// runEach builds the node's command, generates its run script, and
// executes the script locally or over SSH.
func (ts *Launcher) runEach(plan nodePlan, rdzvID string, launchTime time.Time, dryRun bool) error {
	cmd := buildCommand(ts.cfg, plan, rdzvID, launchTime)
	ts.lg.Info("built node command",
		zap.String("host", plan.Host),
		zap.Int("node-rank", plan.NodeRank),
		zap.Int("nproc-per-node", plan.NProcPerNode),
		zap.String("cmd", cmd),
	)

	scriptPath, err := writeRunScript(ts.cfg, plan.Host, plan.NodeRank, cmd, !ts.cfg.Runner.Attach)
	if err != nil {
		return err
	}

	if plan.Host == "localhost" {
		return ts.runLocalScript(scriptPath, dryRun)
	}
	return ts.runRemoteScript(plan.Host, scriptPath, dryRun)
}

// Stop generates and executes stop scripts on every planned node.
// Failures on one node do not prevent stopping the others.
func (ts *Launcher) Stop() error {
	ts.stopMu.Lock()
	defer ts.stopMu.Unlock()

	fmt.Fprint(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
	fmt.Fprintf(ts.logWriter, ts.color("[light_blue]STOP START [default](%q)\n"), ts.cfg.ConfigPath)

	now := time.Now()
	ts.lg.Warn("starting Stop", zap.String("name", ts.cfg.Name))

	var merr error

	plans, err := ts.planNodes()
	if err != nil {
		return err
	}
	for _, plan := range plans {
		fmt.Fprint(ts.logWriter, ts.color("\n\n[yellow]*********************************\n"))
		fmt.Fprintf(ts.logWriter, ts.color("[light_blue]stop node %d/%d [default](%q)\n"), plan.NodeRank+1, plan.NNodes, plan.Host)
		if err := ts.stopEach(plan.Host, plan.NodeRank); err != nil {
			ts.lg.Warn("failed to stop node",
				zap.String("host", plan.Host),
				zap.Int("node-rank", plan.NodeRank),
				zap.Error(err),
			)
			merr = multierr.Append(merr, fmt.Errorf("stop %q (rank %d): %w", plan.Host, plan.NodeRank, err))
		}
	}

	if merr == nil {
		ts.lg.Info("successfully finished Stop",
			zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
		)
		fmt.Fprint(ts.logWriter, ts.color("\n\n[light_blue]STOP SUCCESS\n\n\n"))
		return ts.cfg.Sync()
	}

	fmt.Fprint(ts.logWriter, ts.color("\n\n[light_magenta]STOP FAIL\n"))
	ts.lg.Info("failed Stop",
		zap.Error(merr),
		zap.String("started", humanize.RelTime(now, time.Now(), "ago", "from now")),
	)
	return merr
}

func (ts *Launcher) stopEach(host string, nodeRank int) error {
	scriptPath, err := writeStopScript(ts.cfg, host, nodeRank)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return ts.runLocalScript(scriptPath, false)
	}
	return ts.runRemoteScript(host, scriptPath, false)
}

// runLocalScript runs a generated script with bash on this machine.
func (ts *Launcher) runLocalScript(scriptPath string, dryRun bool) error {
	ts.lg.Info("running local script", zap.String("script", scriptPath), zap.Bool("dry-run", dryRun))
	if dryRun {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	out, err := exec.CommandContext(ctx, "bash", scriptPath).CombinedOutput()
	if len(out) > 0 {
		fmt.Fprintln(ts.logWriter, string(out))
	}
	if err != nil {
		return fmt.Errorf("failed to run %q (%v)", scriptPath, err)
	}
	return nil
}

// runRemoteScript runs a generated script on a remote host over SSH.
// Without a shared filesystem, the script is first copied to the host.
func (ts *Launcher) runRemoteScript(host string, scriptPath string, dryRun bool) error {
	ts.lg.Info("running remote script",
		zap.String("host", host),
		zap.String("script", scriptPath),
		zap.Bool("dry-run", dryRun),
	)
	if dryRun {
		return nil
	}

	sh, err := ssh.New(ssh.Config{
		Logger:   ts.lg,
		KeyPath:  ts.cfg.Runner.SSHKeyPath,
		Addr:     host,
		Port:     ts.cfg.Runner.SSHPort,
		UserName: ts.cfg.Runner.SSHUser,
	})
	if err != nil {
		return err
	}
	defer sh.Close()
	if err = sh.Connect(); err != nil {
		return err
	}

	sshOpt := ssh.WithVerbose(ts.cfg.LogLevel == "debug")

	if _, err = sh.Run("mkdir -p "+ts.cfg.Logging.ScriptsDir, sshOpt); err != nil {
		return err
	}
	if ts.cfg.Runner.NoSharedFS {
		if err = sh.Upload(scriptPath, scriptPath, sshOpt); err != nil {
			return err
		}
	}
	out, err := sh.Run("bash "+scriptPath, sshOpt)
	if len(out) > 0 {
		fmt.Fprintln(ts.logWriter, string(out))
	}
	if err != nil {
		return fmt.Errorf("failed to run %q on %q (%v)", scriptPath, host, err)
	}
	return nil
}

func catchInterrupt(lg *zap.Logger, stopc chan struct{}, stopcCloseOnce *sync.Once, osSigCh chan os.Signal, run func() error) (err error) {
	errc := make(chan error)
	go func() {
		errc <- run()
	}()

	select {
	case _, ok := <-stopc:
		rerr := <-errc
		lg.Info("interrupted; stopc received, errc received", zap.Error(rerr))
		err = fmt.Errorf("stopc returned, stopc open %v, run function returned %v", ok, rerr)

	case osSig := <-osSigCh:
		stopcCloseOnce.Do(func() { close(stopc) })
		rerr := <-errc
		lg.Info("OS signal received, errc received", zap.String("signal", osSig.String()), zap.Error(rerr))
		err = fmt.Errorf("received os signal %v, closed stopc, run function returned %v", osSig, rerr)

	case err = <-errc:
		if err != nil {
			err = fmt.Errorf("run function returned %v", err)
		}
	}
	return err
}
