package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"remote-trainer/core/models"
)

// Result is the outcome of one remote command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the remote command exited with status 0
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// RemoteExecutor runs shell commands on the remote instance.
// A nonzero remote exit status is reported through Result.ExitCode; the error
// return is reserved for transport failures and cancellation.
type RemoteExecutor interface {
	// Run executes command, feeding stdin when non-nil, and buffers its output
	Run(ctx context.Context, command string, stdin io.Reader) (*Result, error)
	// RunToFile streams stdout into localPath instead of memory
	RunToFile(ctx context.Context, command string, localPath string) (*Result, error)
	// RunStream calls onLine for every stdout/stderr line as it arrives
	RunStream(ctx context.Context, command string, onLine func(line string)) (*Result, error)
	Close() error
}

// Options controls how connections are opened
type Options struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	SSHBinary         string // OpenSSH client used for gateway relays
}

// DefaultOptions returns the batch connection policy used for every invocation
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		SSHBinary:         "ssh",
	}
}

// Factory opens an executor for a resolved connection
type Factory func(conn models.ConnectionInfo) (RemoteExecutor, error)

// New selects the transport for conn: gateway relays go through the OpenSSH
// client, direct connections use the native client.
func New(conn models.ConnectionInfo, opts Options) (RemoteExecutor, error) {
	if conn.User == "" || conn.Host == "" {
		return nil, fmt.Errorf("incomplete connection info %q", conn.Login())
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultOptions().KeepAliveInterval
	}
	if conn.Mode == models.ConnectionGateway {
		return NewOpenSSH(conn, opts), nil
	}
	return NewSSHClient(conn, opts), nil
}

// NewFactory binds opts into a Factory
func NewFactory(opts Options) Factory {
	return func(conn models.ConnectionInfo) (RemoteExecutor, error) {
		return New(conn, opts)
	}
}
