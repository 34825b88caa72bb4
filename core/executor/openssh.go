package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"remote-trainer/core/models"
)

// endOfTransmission ends stdin on a relay that allocates a remote terminal
const endOfTransmission = "\x04"

// OpenSSH executes commands through the system ssh client.
// Gateway relays only accept terminal sessions, so a pty is forced for them.
type OpenSSH struct {
	conn models.ConnectionInfo
	opts Options
}

// NewOpenSSH creates an executor backed by the ssh binary
func NewOpenSSH(conn models.ConnectionInfo, opts Options) *OpenSSH {
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	return &OpenSSH{conn: conn, opts: opts}
}

// Args returns the ssh arguments for command
func (o *OpenSSH) Args(command string) []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
		"-o", "LogLevel=ERROR",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(o.opts.ConnectTimeout.Seconds())),
		"-o", "ServerAliveInterval=" + strconv.Itoa(int(o.opts.KeepAliveInterval.Seconds())),
		"-o", "ServerAliveCountMax=6",
	}
	if o.conn.KeyPath != "" {
		args = append(args, "-i", o.conn.KeyPath, "-o", "IdentitiesOnly=yes")
	}
	if o.conn.Port != 0 && o.conn.Port != 22 {
		args = append(args, "-p", strconv.Itoa(o.conn.Port))
	}
	if o.tty() {
		args = append(args, "-tt")
	}
	return append(args, o.conn.Login(), command)
}

func (o *OpenSSH) tty() bool {
	return o.conn.Mode == models.ConnectionGateway
}

func (o *OpenSSH) command(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, o.opts.SSHBinary, o.Args(command)...)
}

// Run executes a command and buffers its output
func (o *OpenSSH) Run(ctx context.Context, command string, stdin io.Reader) (*Result, error) {
	cmd := o.command(ctx, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		if o.tty() {
			stdin = io.MultiReader(stdin, strings.NewReader(endOfTransmission))
		}
		cmd.Stdin = stdin
	}

	runErr := cmd.Run()
	return finishExec(ctx, &Result{Stdout: stdout.String(), Stderr: stderr.String()}, runErr)
}

// RunToFile executes a command and writes its stdout to localPath
func (o *OpenSSH) RunToFile(ctx context.Context, command string, localPath string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(localPath), err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	cmd := o.command(ctx, command)
	var stderr bytes.Buffer
	cmd.Stdout = f
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	return finishExec(ctx, &Result{Stderr: stderr.String()}, runErr)
}

// RunStream executes a command and calls onLine for each output line
func (o *OpenSSH) RunStream(ctx context.Context, command string, onLine func(line string)) (*Result, error) {
	cmd := o.command(ctx, command)
	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	cmd.Stdout = pw
	cmd.Stderr = io.MultiWriter(pw, &stderr)

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanLines(pr, onLine)
	}()

	runErr := cmd.Run()
	_ = pw.Close()
	<-scanned
	return finishExec(ctx, &Result{Stderr: stderr.String()}, runErr)
}

// Close is a no-op; every command runs in its own process
func (o *OpenSSH) Close() error {
	return nil
}

// finishExec maps a process error onto the result's exit code
func finishExec(ctx context.Context, res *Result, runErr error) (*Result, error) {
	if runErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("failed to run ssh: %w", runErr)
}
