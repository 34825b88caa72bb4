package models

import (
	"fmt"
	"strings"
)

// ProvisioningError means no pool accepted the creation request; no instance exists
type ProvisioningError struct {
	Attempts map[Pool]error
	Order    []Pool
}

func (e *ProvisioningError) Error() string {
	parts := make([]string, 0, len(e.Order))
	for _, pool := range e.Order {
		parts = append(parts, fmt.Sprintf("%s: %v", pool, e.Attempts[pool]))
	}
	return "no resource pool accepted the instance request (" + strings.Join(parts, "; ") + ")"
}

// ConnectionDiscoveryError means no login was resolved after every strategy was exhausted
type ConnectionDiscoveryError struct {
	InstanceID  string
	RecordPath  string
	Remediation string
}

func (e *ConnectionDiscoveryError) Error() string {
	return fmt.Sprintf("could not resolve an ssh login for instance %s: %s", e.InstanceID, e.Remediation)
}

// ConfigurationError is a local misconfiguration that retrying will not fix
type ConfigurationError struct {
	Msg         string
	Remediation string
}

func (e *ConfigurationError) Error() string {
	if e.Remediation == "" {
		return e.Msg
	}
	return e.Msg + ": " + e.Remediation
}

// TransferError means an upload or a required download did not complete
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// RemoteExecutionError records a nonzero remote exit code
type RemoteExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote command exited with code %d", e.ExitCode)
}

// FinalizationWarning is a non-fatal artifact finalization problem
type FinalizationWarning struct {
	Step string
	Err  error
}

func (e *FinalizationWarning) Error() string {
	return fmt.Sprintf("finalization %s: %v", e.Step, e.Err)
}

func (e *FinalizationWarning) Unwrap() error {
	return e.Err
}
