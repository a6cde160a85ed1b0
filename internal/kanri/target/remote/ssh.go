package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// SSHConfig configures SSHTransport.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KeyPassphrase  string
	KnownHostsPath string
	// InsecureIgnoreHostKey skips host key verification. Only for
	// throwaway hosts; KnownHostsPath is required otherwise.
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
	Retry                 retry.Config
}

func (c SSHConfig) address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// clientConfig builds the x/crypto/ssh client config.
func (c SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	if c.Host == "" || c.User == "" {
		return nil, errs.Validation("ssh.config", c.Host, "host and user are required")
	}
	if c.KeyPath == "" {
		return nil, errs.Validation("ssh.config", c.Host, "private key path is required")
	}
	keyBytes, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	var signer ssh.Signer
	if c.KeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.KeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, errs.Validation("ssh.config", c.KeyPath, "parse private key: %v", err)
	}

	var hostKeys ssh.HostKeyCallback
	switch {
	case c.KnownHostsPath != "":
		hostKeys, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	case c.InsecureIgnoreHostKey:
		hostKeys = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errs.Validation("ssh.config", c.Host, "known_hosts path is required")
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// SSHTransport runs commands over one lazily opened SSH connection and
// uploads files with SFTP.
type SSHTransport struct {
	cfg SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport validates cfg. The connection opens on first use.
func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, errs.Validation("ssh.config", cfg.Host, "host and user are required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 4, InitialDelay: time.Second, MaxDelay: 10 * time.Second}
	}
	cfg.Retry.ShouldRetry = retryableDial
	return &SSHTransport{cfg: cfg}, nil
}

// retryableDial rejects failures another attempt cannot fix: host key
// mismatches and authentication errors.
func retryableDial(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return false
	}
	if errs.IsValidation(err) {
		return false
	}
	return !strings.Contains(err.Error(), "unable to authenticate")
}

func (t *SSHTransport) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	cc, err := t.cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := t.cfg.address()
	err = retry.Do(ctx, t.cfg.Retry, func() error {
		dialer := net.Dialer{Timeout: cc.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
		if err != nil {
			conn.Close()
			return err
		}
		t.client = ssh.NewClient(c, chans, reqs)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap("ssh.connect", addr, err)
	}
	return t.client, nil
}

// Run executes cmd in a new session. ctx cancellation kills the session.
func (t *SSHTransport) Run(ctx context.Context, cmd string) (string, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		t.reset()
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), &target.CommandError{
				Command: cmd,
				Stderr:  strings.TrimSpace(stderr.String()),
				Err:     err,
			}
		}
		return stdout.String(), nil
	}
}

// Upload writes data to p over SFTP, creating parent directories.
func (t *SSHTransport) Upload(ctx context.Context, p string, data []byte, mode os.FileMode) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp: %w", err)
	}
	defer sc.Close()

	if dir := path.Dir(p); dir != "." {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("sftp mkdir %s: %w", dir, err)
		}
	}
	f, err := sc.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("sftp open %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("sftp write %s: %w", p, err)
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return fmt.Errorf("sftp chmod %s: %w", p, err)
	}
	return f.Close()
}

func (t *SSHTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

// Close closes the connection if open.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
