package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ml-infra/dist-launcher/internal/ssh"
	"github.com/ml-infra/dist-launcher/pkg/fileutil"
)

// FetchOutputs downloads each node's output file and pid file into the
// local experiment directory. Localhost output is already local and is
// only recorded.
func (ts *Launcher) FetchOutputs() (err error) {
	plans, err := ts.planNodes()
	if err != nil {
		return err
	}
	fetchDir := filepath.Join(ts.cfg.Logging.LogDir, "fetched")
	if err := os.MkdirAll(fetchDir, 0700); err != nil {
		return err
	}
	ts.logsMu.Lock()
	defer ts.logsMu.Unlock()
	return ts.fetchOutputs(plans, fetchDir, 10, 5)
}

func (ts *Launcher) fetchOutputs(plans []nodePlan, fetchDir string, qps float32, burst int) error {
	sshOpt := ssh.WithVerbose(ts.cfg.LogLevel == "debug")
	rateLimiter := rate.NewLimiter(rate.Limit(qps), burst)
	rch, waits := make(chan nodeOutputs, 10), 0

	for _, plan := range plans {
		key := fmt.Sprintf("host_%d_%s", plan.NodeRank, plan.Host)

		if plan.Host == "localhost" {
			p := hostOutputPath(ts.cfg, plan.Host, plan.NodeRank)
			if fileutil.Exist(p) {
				ts.outputs[key] = []string{p}
			}
			continue
		}

		waits++
		go func(plan nodePlan, key string) {
			select {
			case <-ts.stopCreationCh:
				ts.lg.Warn("exiting output fetcher", zap.String("host", plan.Host))
				return
			default:
			}

			if !rateLimiter.Allow() {
				ts.lg.Debug("waiting for rate limiter before SSH into the machine",
					zap.Float32("qps", qps),
					zap.Int("burst", burst),
					zap.String("host", plan.Host),
				)
				werr := rateLimiter.Wait(context.Background())
				ts.lg.Debug("waited for rate limiter", zap.Error(werr))
			}

			sh, err := ssh.New(ssh.Config{
				Logger:   ts.lg,
				KeyPath:  ts.cfg.Runner.SSHKeyPath,
				Addr:     plan.Host,
				Port:     ts.cfg.Runner.SSHPort,
				UserName: ts.cfg.Runner.SSHUser,
			})
			if err != nil {
				rch <- nodeOutputs{key: key, errs: []string{err.Error()}}
				return
			}
			defer sh.Close()
			if err = sh.Connect(); err != nil {
				rch <- nodeOutputs{key: key, errs: []string{err.Error()}}
				return
			}

			data := nodeOutputs{key: key}
			remotePaths := []string{
				hostOutputPath(ts.cfg, plan.Host, plan.NodeRank),
				pidFilePath(ts.cfg, plan.Host, plan.NodeRank),
			}
			for _, remotePath := range remotePaths {
				if !rateLimiter.Allow() {
					ts.lg.Debug("waiting for rate limiter before fetching file")
					werr := rateLimiter.Wait(context.Background())
					ts.lg.Debug("waited for rate limiter", zap.Error(werr))
				}
				out, oerr := sh.Download(remotePath, sshOpt)
				if oerr != nil {
					data.errs = append(data.errs, fmt.Sprintf("failed to download %q from %q (error %v)", remotePath, plan.Host, oerr))
					continue
				}

				fpath := filepath.Join(fetchDir, key+"-"+filepath.Base(remotePath))
				if werr := os.WriteFile(fpath, out, 0600); werr != nil {
					data.errs = append(data.errs, fmt.Sprintf("failed to write %q for %q (error %v)", fpath, plan.Host, werr))
					continue
				}
				ts.lg.Debug("wrote", zap.String("file-path", fpath))
				data.paths = append(data.paths, fpath)
			}
			rch <- data
		}(plan, key)
	}

	ts.lg.Info("waiting for output fetcher goroutines", zap.Int("waits", waits))
	total := 0
	for i := 0; i < waits; i++ {
		var data nodeOutputs
		select {
		case data = <-rch:
		case <-ts.stopCreationCh:
			ts.lg.Warn("exiting output fetcher")
			return ts.cfg.Sync()
		}
		if len(data.errs) > 0 {
			ts.lg.Warn("failed to fetch outputs",
				zap.String("node", data.key),
				zap.Strings("errors", data.errs),
			)
			continue
		}
		ts.outputs[data.key] = data.paths
		total += len(data.paths)
		ts.lg.Info("wrote output files",
			zap.String("node", data.key),
			zap.Int("files", len(data.paths)),
			zap.Int("total-downloaded-files", total),
		)
	}

	ts.lg.Info("wrote all output files",
		zap.String("fetch-dir", fetchDir),
		zap.Int("total-downloaded-files", total),
	)
	return ts.cfg.Sync()
}

type nodeOutputs struct {
	key   string
	paths []string
	errs  []string
}

// Outputs returns the fetched output file paths keyed by node.
func (ts *Launcher) Outputs() map[string][]string {
	ts.logsMu.RLock()
	defer ts.logsMu.RUnlock()
	cp := make(map[string][]string, len(ts.outputs))
	for k, v := range ts.outputs {
		cp[k] = append([]string{}, v...)
	}
	return cp
}
