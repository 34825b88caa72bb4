package models

// ConnectionMode tells how the remote shell is reached
type ConnectionMode string

const (
	ConnectionGateway ConnectionMode = "gateway" // provider-side relay
	ConnectionDirect  ConnectionMode = "direct"  // public port on the instance
)

// ConnectionInfo is a resolved remote shell login
type ConnectionInfo struct {
	User    string         `json:"user"`
	Host    string         `json:"host"`
	Port    int            `json:"port,omitempty"`
	KeyPath string         `json:"key_path"`
	Mode    ConnectionMode `json:"mode,omitempty"`

	// InstanceID is set on records saved after a resolution. Hand-written
	// records leave it empty and apply to any instance.
	InstanceID string `json:"instance_id,omitempty"`
}

// OverrideFor reports whether a persisted record may stand in for discovery
// on instanceID
func (c *ConnectionInfo) OverrideFor(instanceID string) bool {
	if c == nil || c.User == "" {
		return false
	}
	return c.InstanceID == "" || c.InstanceID == instanceID
}

// Login returns the user@host form of the connection
func (c ConnectionInfo) Login() string {
	return c.User + "@" + c.Host
}

// TransferDirection is the direction of a file transfer
type TransferDirection string

const (
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
)

// TransferMode is the copy strategy of a transfer
type TransferMode string

const (
	TransferSingle    TransferMode = "single"
	TransferRecursive TransferMode = "recursive"
	TransferMirror    TransferMode = "mirror"
)

// TransferTask describes one file or tree to move between local disk and the instance
type TransferTask struct {
	Direction       TransferDirection
	LocalPath       string
	RemotePath      string
	Mode            TransferMode
	ExcludePatterns []string
}
