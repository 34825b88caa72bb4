package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator configuration
type Config struct {
	// Provider
	Provider string       `yaml:"provider"` // runpod | aws
	RunPod   RunPodConfig `yaml:"runpod"`
	AWS      AWSConfig    `yaml:"aws"`

	// Provisioning
	Pools []string          `yaml:"pools"`
	Tiers map[string]string `yaml:"tiers"` // training mode -> tier

	// Connection
	Connection ConnectionConfig `yaml:"connection"`

	// Transfer
	Transfer TransferConfig `yaml:"transfer"`

	// Object storage handoff
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`

	// Local layout
	WorkDir         string `yaml:"work_dir"`
	StatusDir       string `yaml:"status_dir"`
	ArtifactsDir    string `yaml:"artifacts_dir"`
	MetricsTextfile string `yaml:"metrics_textfile"`

	// Optional run history database
	DatabaseURL string `yaml:"database_url"`

	// Local serving activation, e.g. "ollama create {{name}} -f {{manifest}}"
	ActivationCommand string `yaml:"activation_command"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Concurrency for batch runs
	MaxParallelJobs int `yaml:"max_parallel_jobs"`

	Env EnvOverrides `yaml:"-"`
}

// RunPodConfig configures the GraphQL provider backend
type RunPodConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	Image          string   `yaml:"image"`
	VolumeGB       int      `yaml:"volume_gb"`
	ContainerGB    int      `yaml:"container_gb"`
	GatewayField   string   `yaml:"gateway_field"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// AWSConfig configures the EC2 provider backend
type AWSConfig struct {
	Region          string `yaml:"region"`
	AMINamePattern  string `yaml:"ami_name_pattern"`
	KeyName         string `yaml:"key_name"`
	SecurityGroupID string `yaml:"security_group_id"`
	SubnetID        string `yaml:"subnet_id"`
	InstanceProfile string `yaml:"instance_profile"`
}

// ConnectionConfig configures connection resolution
type ConnectionConfig struct {
	RecordPath        string   `yaml:"record_path"`
	GatewayHost       string   `yaml:"gateway_host"`
	CandidateUsers    []string `yaml:"candidate_users"`
	DefaultKeyPath    string   `yaml:"default_key_path"`
	ReadinessAttempts int      `yaml:"readiness_attempts"`
	ReadinessInterval Duration `yaml:"readiness_interval"`
	HandshakeAttempts int      `yaml:"handshake_attempts"`
	HandshakeInterval Duration `yaml:"handshake_interval"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	KeepAliveInterval Duration `yaml:"keepalive_interval"`
}

// TransferConfig configures uploads and downloads
type TransferConfig struct {
	UploadAttempts  int      `yaml:"upload_attempts"`
	UploadDelay     Duration `yaml:"upload_delay"`
	Strategy        string   `yaml:"strategy"` // mirror | copy
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// ObjectStorageConfig configures the S3-compatible handoff target
type ObjectStorageConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	AccessKey string   `yaml:"access_key"`
	SecretKey string   `yaml:"secret_key"`
	UseSSL    bool     `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// EnvOverrides are operator toggles read from TRAINER_* environment variables
type EnvOverrides struct {
	DirectOnly           bool   `envconfig:"DIRECT_ONLY" default:"false"`
	SSHUser              string `envconfig:"SSH_USER"`
	DisableObjectStorage bool   `envconfig:"DISABLE_OBJECT_STORAGE" default:"false"`
	GPUTier              string `envconfig:"GPU_TIER"`
	SSHKey               string `envconfig:"SSH_KEY"`
	APIKey               string `envconfig:"API_KEY"`
	Provider             string `envconfig:"PROVIDER"`
	LogLevel             string `envconfig:"LOG_LEVEL"`
	DatabaseURL          string `envconfig:"DATABASE_URL"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "5s"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration with the reference constants
func Default() *Config {
	return &Config{
		Provider: "runpod",
		RunPod: RunPodConfig{
			Endpoint:       "https://api.runpod.io/graphql",
			Image:          "runpod/pytorch:2.4.0-py3.11-cuda12.4.1-devel-ubuntu22.04",
			VolumeGB:       100,
			ContainerGB:    50,
			GatewayField:   "sshCommand",
			RequestTimeout: Duration(30 * time.Second),
		},
		AWS: AWSConfig{
			Region:         "us-east-1",
			AMINamePattern: "Deep Learning OSS Nvidia Driver AMI GPU PyTorch*Ubuntu 22.04*",
		},
		Pools: []string{"shared", "dedicated"},
		Tiers: map[string]string{
			"adapter": "NVIDIA RTX A5000",
			"full":    "NVIDIA A100 80GB PCIe",
		},
		Connection: ConnectionConfig{
			RecordPath:        "state/remote-connection.json",
			GatewayHost:       "ssh.runpod.io",
			CandidateUsers:    []string{"root", "ubuntu"},
			DefaultKeyPath:    "~/.ssh/id_ed25519",
			ReadinessAttempts: 120,
			ReadinessInterval: Duration(5 * time.Second),
			HandshakeAttempts: 120,
			HandshakeInterval: Duration(5 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			KeepAliveInterval: Duration(30 * time.Second),
		},
		Transfer: TransferConfig{
			UploadAttempts:  3,
			UploadDelay:     Duration(5 * time.Second),
			Strategy:        "mirror",
			ExcludePatterns: []string{"checkpoint-*", "*.pt", ".cache"},
		},
		ObjectStorage: ObjectStorageConfig{
			Prefix:    "runs",
			URLExpiry: Duration(6 * time.Hour),
		},
		WorkDir:         "out/runs",
		StatusDir:       "out/status",
		ArtifactsDir:    "out/adapters",
		LogLevel:        "info",
		LogFile:         "logs/trainer.log",
		MaxParallelJobs: 2,
	}
}

// Load reads the YAML file at path (if it exists) over the defaults, then applies env overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults only
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("TRAINER", &cfg.Env); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Env.Provider != "" {
		c.Provider = c.Env.Provider
	}
	if c.Env.APIKey != "" {
		c.RunPod.APIKey = c.Env.APIKey
	}
	if c.Env.LogLevel != "" {
		c.LogLevel = c.Env.LogLevel
	}
	if c.Env.DatabaseURL != "" {
		c.DatabaseURL = c.Env.DatabaseURL
	}
	if c.Env.SSHUser != "" {
		c.Connection.CandidateUsers = []string{c.Env.SSHUser}
	}
	if c.Env.DisableObjectStorage {
		c.ObjectStorage.Enabled = false
	}
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	switch c.Provider {
	case "runpod", "aws":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one resource pool is required")
	}
	if c.Connection.ReadinessAttempts <= 0 || c.Connection.HandshakeAttempts <= 0 {
		return fmt.Errorf("readiness and handshake attempts must be positive")
	}
	if c.Transfer.UploadAttempts <= 0 {
		return fmt.Errorf("upload attempts must be positive")
	}
	switch c.Transfer.Strategy {
	case "mirror", "copy":
	default:
		return fmt.Errorf("unsupported transfer strategy: %s", c.Transfer.Strategy)
	}
	if c.ObjectStorage.Enabled && (c.ObjectStorage.Endpoint == "" || c.ObjectStorage.Bucket == "") {
		return fmt.Errorf("object storage requires endpoint and bucket")
	}
	return nil
}
