// Package ssh implements remote command execution over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	cryptossh "golang.org/x/crypto/ssh"
)

// Config defines SSH configuration.
type Config struct {
	Logger   *zap.Logger
	KeyPath  string
	Addr     string
	Port     int
	UserName string
}

// SSH defines SSH operations.
type SSH interface {
	// Connect connects to a remote server creating a new client session.
	// "Close" must be called after use.
	Connect() error
	// Close closes the session and connection to a remote server.
	Close()
	// Run runs the command and returns the output.
	Run(cmd string, opts ...OpOption) ([]byte, error)
	// Download fetches the contents of a remote file.
	Download(remotePath string, opts ...OpOption) ([]byte, error)
	// Upload copies a local file to the remote host.
	Upload(localPath string, remotePath string, opts ...OpOption) error
}

type ssh struct {
	cfg Config

	lg *zap.Logger

	key    []byte
	signer cryptossh.Signer

	ctx    context.Context
	cancel context.CancelFunc

	conn net.Conn
	cli  *cryptossh.Client
}

// New returns a new SSH.
func New(cfg Config) (s SSH, err error) {
	sh := &ssh{
		cfg: cfg,
		lg:  cfg.Logger,
	}
	if sh.lg == nil {
		sh.lg = zap.NewNop()
	}
	if sh.cfg.Port == 0 {
		sh.cfg.Port = 22
	}

	sh.ctx, sh.cancel = context.WithCancel(context.Background())
	sh.key, err = os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %v", err)
	}
	sh.signer, err = cryptossh.ParsePrivateKey(sh.key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %v", err)
	}

	return sh, nil
}

func (sh *ssh) addr() string {
	return fmt.Sprintf("%s:%d", sh.cfg.Addr, sh.cfg.Port)
}

func (sh *ssh) Connect() (err error) {
	addr := sh.addr()
	sh.lg.Info("dialing", zap.String("addr", addr))
	for i := 0; i < 15; i++ {
		select {
		case <-sh.ctx.Done():
			return errors.New("stopped")
		default:
		}

		d := net.Dialer{}
		ctx, cancel := context.WithTimeout(sh.ctx, 15*time.Second)
		sh.conn, err = d.DialContext(ctx, "tcp", addr)
		cancel()
		if err == nil {
			break
		}

		oerr, ok := err.(*net.OpError)
		if ok {
			// connect: connection refused
			if strings.Contains(oerr.Err.Error(), syscall.ECONNREFUSED.Error()) {
				sh.lg.Warn(
					"failed to dial (host might not be ready yet)",
					zap.String("addr", addr),
					zap.Error(err),
				)
			}
		} else {
			sh.lg.Warn(
				"failed to dial",
				zap.String("addr", addr),
				zap.String("error-type", fmt.Sprintf("%v", reflect.TypeOf(err))),
				zap.Error(err),
			)
		}
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return err
	}
	sh.lg.Info("dialed", zap.String("addr", addr))

	sshConfig := &cryptossh.ClientConfig{
		User: sh.cfg.UserName,
		Auth: []cryptossh.AuthMethod{
			cryptossh.PublicKeys(sh.signer),
		},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
	}
	c, chans, reqs, err := cryptossh.NewClientConn(sh.conn, addr, sshConfig)
	if err != nil {
		return err
	}

	sh.cli = cryptossh.NewClient(c, chans, reqs)
	sh.lg.Info("created client", zap.String("addr", addr))

	return err
}

func (sh *ssh) Close() {
	sh.cancel()

	if sh.cli != nil {
		err := sh.cli.Close()
		sh.lg.Info("closed client", zap.String("addr", sh.addr()), zap.Error(err))
	}
	if sh.conn != nil {
		cerr := sh.conn.Close()
		sh.lg.Info("closed connection", zap.String("addr", sh.addr()), zap.Error(cerr))
	}
}

func (sh *ssh) Run(cmd string, opts ...OpOption) (out []byte, err error) {
	op := &Op{verbose: false, retries: 0, timeout: 0, envs: make(map[string]string)}
	op.applyOpts(opts)

	for {
		out, err = sh.run(cmd, op)
		if err == nil || op.retries == 0 {
			break
		}
		if !isRetryable(err) {
			break
		}
		if op.retries > 0 {
			op.retries--
		}
		sh.lg.Warn("retrying command",
			zap.String("cmd", cmd),
			zap.Int("retries-left", op.retries),
			zap.Error(err),
		)
		time.Sleep(op.retryInterval)
	}
	return out, err
}

func (sh *ssh) run(cmd string, op *Op) (out []byte, err error) {
	now := time.Now()

	// session only accepts one call to Run, Start, Shell, Output, or CombinedOutput
	var ss *cryptossh.Session
	ss, err = sh.cli.NewSession()
	if err != nil {
		return nil, err
	}
	ss.Stderr = nil
	ss.Stdout = nil
	for k, v := range op.envs {
		if err = ss.Setenv(k, v); err != nil {
			ss.Close()
			return nil, err
		}
	}

	if op.verbose {
		sh.lg.Info("created client session, running command", zap.String("cmd", cmd))
	}
	ctx := sh.ctx
	var cancel context.CancelFunc
	if op.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, op.timeout)
		defer cancel()
	}
	donec := make(chan error)
	go func() {
		out, err = ss.CombinedOutput(cmd)
		close(donec)
	}()
	select {
	case <-ctx.Done():
		ss.Close()
		<-donec
		out, err = nil, ctx.Err()
	case <-donec:
		ss.Close()
	}
	if op.verbose {
		sh.lg.Info("ran command",
			zap.String("cmd", cmd),
			zap.String("request-started", humanize.RelTime(now, time.Now(), "ago", "from now")),
			zap.Error(err),
		)
	}

	return out, err
}

// Download fetches a remote file over an exec session. The files this
// launcher pulls are shell scripts and text logs, so "cat" is enough.
func (sh *ssh) Download(remotePath string, opts ...OpOption) ([]byte, error) {
	return sh.Run("cat "+shellquote.Join(remotePath), opts...)
}

// Upload copies a local file to the remote host, preserving the
// executable bit. Used to ship generated scripts to hosts that do not
// share the experiment directory.
func (sh *ssh) Upload(localPath string, remotePath string, opts ...OpOption) (err error) {
	op := &Op{verbose: false, retries: 0, timeout: 0, envs: make(map[string]string)}
	op.applyOpts(opts)

	var d []byte
	d, err = os.ReadFile(localPath)
	if err != nil {
		return err
	}

	var ss *cryptossh.Session
	ss, err = sh.cli.NewSession()
	if err != nil {
		return err
	}
	defer ss.Close()
	ss.Stdin = bytes.NewReader(d)

	now := time.Now()
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod 755 %s",
		shellquote.Join(filepath.Dir(remotePath)),
		shellquote.Join(remotePath),
		shellquote.Join(remotePath),
	)
	out, err := ss.CombinedOutput(cmd)
	if op.verbose {
		sh.lg.Info("uploaded file",
			zap.String("local-path", localPath),
			zap.String("remote-path", remotePath),
			zap.String("size", humanize.Bytes(uint64(len(d)))),
			zap.String("request-started", humanize.RelTime(now, time.Now(), "ago", "from now")),
			zap.Error(err),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to upload %q to %q (%v, output %q)", localPath, remotePath, err, string(out))
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, syscall.ECONNREFUSED.Error())
}
