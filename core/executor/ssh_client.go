package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"remote-trainer/core/models"
)

// SSHClient executes commands over a native SSH connection.
// The connection is dialled on first use and reused for every later command.
type SSHClient struct {
	conn models.ConnectionInfo
	opts Options

	mu         sync.Mutex
	client     *ssh.Client
	sftpClient *sftp.Client
	stopKeep   chan struct{}
}

// NewSSHClient creates a new SSH client for conn
func NewSSHClient(conn models.ConnectionInfo, opts Options) *SSHClient {
	return &SSHClient{conn: conn, opts: opts}
}

func (c *SSHClient) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.conn.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &ssh.ClientConfig{
		User:            c.conn.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.opts.ConnectTimeout,
	}, nil
}

// connect returns the shared client, dialling it if needed
func (c *SSHClient) connect(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	port := c.conn.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(c.conn.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	if c.opts.ConnectTimeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", c.conn.Login(), err)
	}
	_ = netConn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.stopKeep = make(chan struct{})
	go c.keepAlive(c.client, c.stopKeep)
	return c.client, nil
}

// keepAlive sends keepalive requests on a jittered ticker until stop is closed
func (c *SSHClient) keepAlive(client *ssh.Client, stop chan struct{}) {
	logger := zap.S().Named("executor")
	ticker := jitterbug.New(c.opts.KeepAliveInterval, &jitterbug.Norm{Stdev: c.opts.KeepAliveInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				logger.Warnf("keepalive to %s failed: %v", c.conn.Login(), err)
				return
			}
		}
	}
}

// discard drops client after a transport failure so the next command redials
func (c *SSHClient) discard(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client == nil || c.client != client {
		return
	}
	if c.sftpClient != nil {
		_ = c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	_ = c.client.Close()
	c.client = nil
	zap.S().Named("executor").Warnf("Connection to %s dropped, will redial", c.conn.Login())
}

// finish maps the session outcome and discards the connection when it broke
func (c *SSHClient) finish(ctx context.Context, client *ssh.Client, res *Result, runErr error) (*Result, error) {
	res, err := finishSSH(ctx, res, runErr)
	if err != nil && ctx.Err() == nil {
		c.discard(client)
	}
	return res, err
}

// session opens a new session, honoring ctx cancellation for its lifetime
func (c *SSHClient) session(ctx context.Context) (*ssh.Client, *ssh.Session, func(), error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		c.discard(client)
		return nil, nil, nil, fmt.Errorf("failed to open session: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			_ = sess.Close()
		case <-done:
		}
	}()
	release := func() {
		close(done)
		_ = sess.Close()
	}
	return client, sess, release, nil
}

// Run executes a command and buffers its output
func (c *SSHClient) Run(ctx context.Context, command string, stdin io.Reader) (*Result, error) {
	client, sess, release, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	runErr := sess.Run(command)
	return c.finish(ctx, client, &Result{Stdout: stdout.String(), Stderr: stderr.String()}, runErr)
}

// RunToFile executes a command and writes its stdout to localPath
func (c *SSHClient) RunToFile(ctx context.Context, command string, localPath string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(localPath), err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	client, sess, release, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var stderr bytes.Buffer
	sess.Stdout = f
	sess.Stderr = &stderr

	runErr := sess.Run(command)
	return c.finish(ctx, client, &Result{Stderr: stderr.String()}, runErr)
}

// RunStream executes a command and calls onLine for each output line
func (c *SSHClient) RunStream(ctx context.Context, command string, onLine func(line string)) (*Result, error) {
	client, sess, release, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	sess.Stdout = pw
	sess.Stderr = io.MultiWriter(pw, &stderr)

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanLines(pr, onLine)
	}()

	runErr := sess.Run(command)
	_ = pw.Close()
	<-scanned
	return c.finish(ctx, client, &Result{Stderr: stderr.String()}, runErr)
}

// SFTP returns an SFTP session bound to the shared connection
func (c *SSHClient) SFTP(ctx context.Context) (*sftp.Client, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftpClient != nil {
		return c.sftpClient, nil
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	c.sftpClient = sc
	return sc, nil
}

// Close closes the SFTP session and the connection
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftpClient != nil {
		_ = c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// finishSSH maps a session error onto the result's exit code
func finishSSH(ctx context.Context, res *Result, runErr error) (*Result, error) {
	if runErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(runErr, &missing) {
		res.ExitCode = -1
		return res, nil
	}
	return res, fmt.Errorf("remote command failed: %w", runErr)
}

// scanLines feeds r to onLine line by line, tolerating long lines and carriage returns
func scanLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	scanner.Split(splitCRLF)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	// drain so the writer side never blocks
	_, _ = io.Copy(io.Discard, r)
}

// splitCRLF splits on \n or \r; progress bars redraw with bare carriage returns
func splitCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
