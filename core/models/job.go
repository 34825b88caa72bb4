package models

import "time"

// TrainingMode selects between adapter fine-tuning and full-parameter training
type TrainingMode string

const (
	ModeAdapter TrainingMode = "adapter"
	ModeFull    TrainingMode = "full"
)

// Valid reports whether the mode is one of the known training modes
func (m TrainingMode) Valid() bool {
	return m == ModeAdapter || m == ModeFull
}

// JobRequest describes one training run submitted to the orchestrator
type JobRequest struct {
	User             string
	DatasetPath      string // Local JSONL dataset produced by curation
	ConfigPath       string // Local JSON job configuration
	RunLabel         string // date + time + random suffix, scopes work dir and status file
	Mode             TrainingMode
	UseObjectStorage bool
	KeyPathOverride  string // Explicit SSH key, highest precedence
}

// JobConfig is the JSON job configuration shipped to the remote trainer
type JobConfig struct {
	BaseModel                 string       `json:"base_model"`
	LoraRank                  int          `json:"lora_rank,omitempty"`
	LoraAlpha                 int          `json:"lora_alpha,omitempty"`
	LoraDropout               float64      `json:"lora_dropout,omitempty"`
	NumTrainEpochs            float64      `json:"num_train_epochs,omitempty"`
	LearningRate              float64      `json:"learning_rate,omitempty"`
	PerDeviceTrainBatchSize   int          `json:"per_device_train_batch_size,omitempty"`
	GradientAccumulationSteps int          `json:"gradient_accumulation_steps,omitempty"`
	MaxSeqLength              int          `json:"max_seq_length,omitempty"`
	TrainingMode              TrainingMode `json:"training_mode,omitempty"`
	ObjectStorage             *bool        `json:"object_storage,omitempty"`
	Quantization              string       `json:"quantization,omitempty"` // e.g. "q4_k_m"

	// Extra holds keys the orchestrator does not interpret; they are forwarded untouched
	Extra map[string]interface{} `json:"-"`
}

// RunStatus represents the overall status of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary is the single source of truth for a run's outcome
type RunSummary struct {
	Date               string     `json:"date"`
	RunLabel           string     `json:"run_label"`
	RunID              string     `json:"run_id"`
	Samples            int        `json:"samples"`
	BaseModel          string     `json:"base_model"`
	PodID              *string    `json:"pod_id"`
	Provider           string     `json:"provider,omitempty"`
	Pool               *string    `json:"pool"`
	SSHUser            *string    `json:"ssh_user"`
	SSHHost            *string    `json:"ssh_host"`
	SSHPort            *int       `json:"ssh_port"`
	SSHKeyPath         *string    `json:"ssh_key_path"`
	ConnectionMode     *string    `json:"connection_mode"`
	ArtifactPath       *string    `json:"artifact_path"`
	ManifestPath       *string    `json:"manifest_path"`
	UploadVerification *string    `json:"upload_verification"`
	Terminated         bool       `json:"terminated"`
	TrainingSuccess    bool       `json:"training_success"`
	RemoteExitCode     *int       `json:"remote_exit_code"`
	Error              *string    `json:"error"`
	S3Location         *string    `json:"s3_location"`
	EstimatedCostUSD   *float64   `json:"estimated_cost_usd"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at"`
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr returns a pointer to i
func IntPtr(i int) *int {
	return &i
}
