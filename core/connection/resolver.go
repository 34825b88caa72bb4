package connection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
)

// State is a connection resolver state
type State string

const (
	StateUnresolved      State = "unresolved"
	StateDiscovering     State = "discovering"
	StateGatewayResolved State = "gateway_resolved"
	StateDirectResolved  State = "direct_resolved"
	StateValidated       State = "validated"
	StateFailed          State = "failed"
)

// InstanceDescriber reports an instance's runtime
type InstanceDescriber interface {
	DescribeInstance(ctx context.Context, instanceID string) (*models.RuntimeDescription, error)
}

// Options tunes discovery
type Options struct {
	ReadinessAttempts int
	ReadinessInterval time.Duration
	HandshakeAttempts int
	HandshakeInterval time.Duration
	CandidateUsers    []string
	GatewayHost       string
	DirectOnly        bool
	EnvKeyPath        string
	DefaultKeyPath    string
}

// Resolver turns a provisioned instance into a validated ssh login
type Resolver struct {
	describer InstanceDescriber
	gateway   GatewayClient
	probes    []Probe
	factory   executor.Factory
	records   *RecordStore
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a new resolver. gateway may be nil for providers without a gateway surface.
func NewResolver(
	describer InstanceDescriber,
	gateway GatewayClient,
	probes []Probe,
	factory executor.Factory,
	records *RecordStore,
	opts Options,
) *Resolver {
	if opts.GatewayHost == "" {
		opts.GatewayHost = "ssh.runpod.io"
	}
	if len(opts.CandidateUsers) == 0 {
		opts.CandidateUsers = []string{"root", "ubuntu"}
	}
	if opts.ReadinessAttempts <= 0 {
		opts.ReadinessAttempts = 1
	}
	if opts.HandshakeAttempts <= 0 {
		opts.HandshakeAttempts = 1
	}
	return &Resolver{
		describer: describer,
		gateway:   gateway,
		probes:    probes,
		factory:   factory,
		records:   records,
		opts:      opts,
		sleep:     Sleep,
	}
}

// Resolve discovers, validates and persists the login for instanceID.
// keyOverride takes precedence over every other key source.
func (r *Resolver) Resolve(ctx context.Context, instanceID string, keyOverride string) (*models.ConnectionInfo, error) {
	logger := zap.S().Named("connection")
	state := StateUnresolved

	record, err := r.records.Load()
	if err != nil {
		logger.Warnf("Ignoring unreadable connection record: %v", err)
		record = nil
	}

	var recordKey string
	if record != nil {
		recordKey = record.KeyPath
	}
	keyPath, err := ResolveKeyPath(KeySources{
		Override:   keyOverride,
		Record:     recordKey,
		Env:        r.opts.EnvKeyPath,
		DefaultKey: r.opts.DefaultKeyPath,
	}, r.records.Path())
	if err != nil {
		return nil, err
	}

	state = StateDiscovering
	logger.Infof("Resolving connection for instance %s (state %s)", instanceID, state)

	runtime, err := r.waitForRuntime(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var conn *models.ConnectionInfo

	if !r.opts.DirectOnly && r.gateway != nil {
		conn, err = r.discoverGateway(ctx, instanceID, keyPath)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			state = StateGatewayResolved
		}
	} else if r.opts.DirectOnly {
		logger.Infof("Gateway discovery disabled, using direct connection only")
	}

	if conn == nil && record != nil && !record.OverrideFor(instanceID) && record.User != "" {
		logger.Infof("Ignoring connection record of instance %s", record.InstanceID)
	}
	if conn == nil && record.OverrideFor(instanceID) {
		conn = r.fromRecord(record, keyPath)
		logger.Infof("Using manual override from %s: %s", r.records.Path(), conn.Login())
		if conn.Mode == models.ConnectionGateway {
			state = StateGatewayResolved
		} else {
			state = StateDirectResolved
		}
	}

	if conn == nil {
		conn, err = r.directFallback(ctx, runtime, keyPath)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			state = StateDirectResolved
		}
	}

	if conn == nil {
		state = StateFailed
		logger.Errorf("Connection discovery for %s ended in state %s", instanceID, state)
		return nil, &models.ConnectionDiscoveryError{
			InstanceID: instanceID,
			RecordPath: r.records.Path(),
			Remediation: fmt.Sprintf("no gateway login was discovered and no direct port answered; create %s with %s",
				r.records.Path(), recordShape),
		}
	}

	if conn.Host == "" {
		conn.Host = r.opts.GatewayHost
	}
	state = StateValidated
	logger.Infof("Connection resolved: %s (mode %s, state %s)", conn.Login(), conn.Mode, state)

	conn.InstanceID = instanceID
	if err := r.records.Save(*conn); err != nil {
		logger.Warnf("%v", err)
	}
	return conn, nil
}

// waitForRuntime polls the provider until the runtime is reported.
// Poll errors are tolerated; the last description is returned either way.
func (r *Resolver) waitForRuntime(ctx context.Context, instanceID string) (*models.RuntimeDescription, error) {
	logger := zap.S().Named("connection")

	var last *models.RuntimeDescription
	for attempt := 1; attempt <= r.opts.ReadinessAttempts; attempt++ {
		desc, err := r.describer.DescribeInstance(ctx, instanceID)
		switch {
		case err != nil:
			logger.Warnf("Readiness poll %d/%d for %s failed: %v", attempt, r.opts.ReadinessAttempts, instanceID, err)
		case desc != nil:
			last = desc
			if desc.Ready {
				logger.Infof("Instance %s runtime ready (%d ports exposed)", instanceID, len(desc.Ports))
				return desc, nil
			}
		}
		if attempt == r.opts.ReadinessAttempts {
			break
		}
		if err := r.sleep(ctx, r.opts.ReadinessInterval); err != nil {
			return nil, err
		}
	}
	logger.Warnf("Instance %s did not report a runtime after %d polls", instanceID, r.opts.ReadinessAttempts)
	return last, nil
}

// discoverGateway runs the probes in order; the first match wins
func (r *Resolver) discoverGateway(ctx context.Context, instanceID, keyPath string) (*models.ConnectionInfo, error) {
	logger := zap.S().Named("connection")

	for i, probe := range r.probes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		login, ok, err := probe(ctx, r.gateway, instanceID)
		if err != nil {
			logger.Warnf("Gateway probe %d failed: %v", i+1, err)
			continue
		}
		if !ok {
			continue
		}
		user, host, ok := ExtractLogin(login)
		if !ok {
			continue
		}
		logger.Infof("Gateway probe %d discovered %s", i+1, login)
		return &models.ConnectionInfo{
			User:    user,
			Host:    host,
			KeyPath: keyPath,
			Mode:    models.ConnectionGateway,
		}, nil
	}
	return nil, nil
}

func (r *Resolver) fromRecord(record *models.ConnectionInfo, keyPath string) *models.ConnectionInfo {
	conn := &models.ConnectionInfo{
		User:    record.User,
		Host:    record.Host,
		Port:    record.Port,
		KeyPath: keyPath,
		Mode:    record.Mode,
	}
	if conn.Host == "" {
		conn.Host = r.opts.GatewayHost
	}
	if conn.Mode == "" {
		conn.Mode = models.ConnectionDirect
		if conn.Host == r.opts.GatewayHost {
			conn.Mode = models.ConnectionGateway
		}
	}
	return conn
}

// directFallback tries every candidate user against the public ssh port
func (r *Resolver) directFallback(ctx context.Context, runtime *models.RuntimeDescription, keyPath string) (*models.ConnectionInfo, error) {
	logger := zap.S().Named("connection")

	mapping, ok := runtime.PublicTCPPort(22)
	if !ok {
		logger.Warnf("No public mapping for port 22, direct connection unavailable")
		return nil, nil
	}
	host := mapping.IP
	if host == "" {
		host = runtime.PublicIP
	}
	if host == "" {
		return nil, nil
	}

	for _, user := range r.opts.CandidateUsers {
		conn := models.ConnectionInfo{
			User:    user,
			Host:    host,
			Port:    mapping.PublicPort,
			KeyPath: keyPath,
			Mode:    models.ConnectionDirect,
		}
		logger.Infof("Trying direct connection %s:%d", conn.Login(), conn.Port)

		for attempt := 1; attempt <= r.opts.HandshakeAttempts; attempt++ {
			if r.handshake(ctx, conn) {
				return &conn, nil
			}
			if attempt == r.opts.HandshakeAttempts {
				break
			}
			if err := r.sleep(ctx, r.opts.HandshakeInterval); err != nil {
				return nil, err
			}
		}
		logger.Warnf("Direct connection as %s failed after %d attempts", user, r.opts.HandshakeAttempts)
	}
	return nil, nil
}

// handshake runs a no-op command to validate the login
func (r *Resolver) handshake(ctx context.Context, conn models.ConnectionInfo) bool {
	exec, err := r.factory(conn)
	if err != nil {
		return false
	}
	defer exec.Close()

	res, err := exec.Run(ctx, "true", nil)
	if err != nil {
		zap.S().Named("connection").Debugf("Handshake %s failed: %v", conn.Login(), err)
		return false
	}
	return res.ExitCode == 0
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
