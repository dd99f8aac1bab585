// Package remote executes commands on configured SSH hosts. Bounded retry
// lives here, never in the engine.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tomjamescn/yawe/pkg/config"
)

const dialTimeout = 10 * time.Second

// Notifier is the notification hook retry attempts report through. Satisfied
// by the workflow notifier; nil disables retry notifications.
type Notifier interface {
	SendFailure(title, message string) error
	SendWarning(title, message string) error
}

// RetryPolicy bounds RunWithRetry. MaxRetries counts total attempts.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
}

// Client runs commands on one SSH host. The underlying connection is dialed
// lazily and reused across commands.
type Client struct {
	alias  string
	host   config.Host
	logger *slog.Logger
	conn   *ssh.Client
}

func NewClient(alias string, host config.Host, logger *slog.Logger) *Client {
	return &Client{
		alias:  alias,
		host:   host,
		logger: logger,
	}
}

func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}

	auth := []ssh.AuthMethod{}

	if c.host.KeyFile != "" {
		key, err := os.ReadFile(c.host.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to read key file %s: %w", c.host.KeyFile, err)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return fmt.Errorf("failed to parse key file %s: %w", c.host.KeyFile, err)
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.host.Password != "" {
		auth = append(auth, ssh.Password(c.host.Password))
	}

	if len(auth) == 0 {
		return fmt.Errorf("host '%s' has no authentication configured (key_file or password)", c.alias)
	}

	callback, err := c.hostKeyCallback()
	if err != nil {
		return err
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.host.User,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(c.host.Addr, strconv.Itoa(c.host.Port))

	conn, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c.conn = conn
	c.logger.Info("Connected to host", "host", c.alias, "addr", addr, "user", c.host.User)

	return nil
}

func (c *Client) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.host.InsecureSkipVerify {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // per-host operator opt-in
	}

	path := c.host.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
		}

		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", path, err)
	}

	return callback, nil
}

// Run executes command on the host, bounded by timeout when positive.
// It returns the combined output and the remote exit code; a non-zero exit
// is not an error. Errors cover transport failures, cancellation and timeout.
func (c *Client) Run(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	if err := c.connect(); err != nil {
		return "", -1, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := c.conn.NewSession()
	if err != nil {
		// A dead connection surfaces here; drop it so the next call redials.
		c.Close()
		return "", -1, fmt.Errorf("failed to create session on %s: %w", c.alias, err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	c.logger.Debug("Running command", "host", c.alias, "command", command)

	output, err := session.CombinedOutput(command)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return string(output), -1, fmt.Errorf("command timed out after %s", timeout)
		}

		return string(output), -1, ctxErr
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(output), exitErr.ExitStatus(), nil
		}

		return string(output), -1, fmt.Errorf("failed to run command on %s: %w", c.alias, err)
	}

	return string(output), 0, nil
}

// RunWithRetry runs command up to policy.MaxRetries times, pausing
// policy.Interval between attempts. An attempt fails on transport error or
// non-zero exit; retries are reported through the notifier when present.
func (c *Client) RunWithRetry(ctx context.Context, command string, timeout time.Duration, policy RetryPolicy, taskName string, notifier Notifier) (string, int, error) {
	attempts := policy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var (
		output string
		code   int
		err    error
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.logger.Info("Retrying command", "host", c.alias, "attempt", attempt, "max_attempts", attempts)
		}

		output, code, err = c.Run(ctx, command, timeout)
		if err == nil && code == 0 {
			return output, code, nil
		}

		reason := fmt.Sprintf("exit code %d", code)
		if err != nil {
			reason = err.Error()
		}

		if attempt == attempts {
			c.logger.Error("Command failed, retries exhausted", "host", c.alias, "attempts", attempts, "reason", reason)

			if notifier != nil {
				_ = notifier.SendFailure(taskName+" failed",
					fmt.Sprintf("%s: %s (reached max retries %d)", taskName, reason, attempts))
			}

			break
		}

		c.logger.Warn("Command failed, will retry", "host", c.alias, "attempt", attempt, "reason", reason, "retry_in", policy.Interval)

		if notifier != nil {
			_ = notifier.SendWarning(taskName+" retrying",
				fmt.Sprintf("%s: %s (retrying in %s)", taskName, reason, policy.Interval))
		}

		select {
		case <-ctx.Done():
			return output, code, ctx.Err()
		case <-time.After(policy.Interval):
		}
	}

	return output, code, err
}

// CheckConnection verifies the host is reachable and accepts commands.
func (c *Client) CheckConnection(ctx context.Context) error {
	_, code, err := c.Run(ctx, "true", dialTimeout)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("host '%s' connection check exited with code %d", c.alias, code)
	}

	return nil
}

// Conn exposes the underlying SSH connection for collaborators that layer
// protocols over it, dialing first if needed.
func (c *Client) Conn() (*ssh.Client, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}

	return c.conn, nil
}

// Alias returns the configured host alias.
func (c *Client) Alias() string {
	return c.alias
}

// Close drops the cached connection. The next Run redials.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
