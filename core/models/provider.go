package models

import "time"

// Provider represents a remote GPU provider backend
type Provider string

const (
	ProviderRunPod Provider = "runpod"
	ProviderAWS    Provider = "aws"
)

// Pool represents a resource pool an instance can be allocated from
type Pool string

const (
	PoolShared    Pool = "shared"    // community / spot capacity
	PoolDedicated Pool = "dedicated" // secure / on-demand capacity
)

// InstanceState is the lifecycle state of a remote instance
type InstanceState string

const (
	InstanceStateNone        InstanceState = "none"
	InstanceStateProvisioned InstanceState = "provisioned"
	InstanceStateTerminated  InstanceState = "terminated"
)

// InstanceSpec is what the provisioner needs to allocate an instance for a job
type InstanceSpec struct {
	Name         string
	TrainingMode TrainingMode
	TierOverride string // Forces the resource tier regardless of mode
}

// InstanceRequest is one creation request against one pool
type InstanceRequest struct {
	Name string
	Pool Pool
	Tier string // Provider-specific GPU / instance type
}

// RemoteInstance is the single billed instance owned by a job
type RemoteInstance struct {
	ID          string
	Provider    Provider
	Pool        Pool
	Tier        string
	CostPerHour float64
	State       InstanceState
	CreatedAt   time.Time
}

// PortMapping is one port exposed by a running instance
type PortMapping struct {
	IP          string
	PrivatePort int
	PublicPort  int
	IsPublic    bool
	Type        string // "tcp" | "http"
}

// RuntimeDescription is a snapshot of an instance's runtime as reported by the provider
type RuntimeDescription struct {
	Ready    bool
	PublicIP string
	Ports    []PortMapping
}

// PublicTCPPort returns the public mapping for a private TCP port, if exposed
func (r *RuntimeDescription) PublicTCPPort(private int) (PortMapping, bool) {
	if r == nil {
		return PortMapping{}, false
	}
	for _, p := range r.Ports {
		if p.PrivatePort == private && p.IsPublic && (p.Type == "" || p.Type == "tcp") {
			return p, true
		}
	}
	return PortMapping{}, false
}

// SchemaField is one field of a provider API type, as reported by introspection
type SchemaField struct {
	Name     string
	Kind     string // SCALAR, OBJECT, ... after unwrapping NON_NULL and LIST
	TypeName string
}
