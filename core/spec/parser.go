package spec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"remote-trainer/core/models"
)

// knownConfigKeys are the job configuration keys the orchestrator interprets
var knownConfigKeys = map[string]bool{
	"base_model":                  true,
	"lora_rank":                   true,
	"lora_alpha":                  true,
	"lora_dropout":                true,
	"num_train_epochs":            true,
	"learning_rate":               true,
	"per_device_train_batch_size": true,
	"gradient_accumulation_steps": true,
	"max_seq_length":              true,
	"training_mode":               true,
	"object_storage":              true,
	"quantization":                true,
}

// ParseJobConfig parses a JSON job configuration and applies the remote trainer defaults
func ParseJobConfig(data []byte) (*models.JobConfig, error) {
	var cfg models.JobConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse job config: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse job config: %w", err)
	}
	for k, v := range raw {
		if knownConfigKeys[k] {
			continue
		}
		if cfg.Extra == nil {
			cfg.Extra = make(map[string]interface{})
		}
		cfg.Extra[k] = v
	}

	applyDefaults(&cfg)

	if !cfg.TrainingMode.Valid() {
		return nil, fmt.Errorf("invalid training_mode %q (expected %q or %q)", cfg.TrainingMode, models.ModeAdapter, models.ModeFull)
	}
	return &cfg, nil
}

// LoadJobConfig reads and parses the job configuration file at path
func LoadJobConfig(path string) (*models.JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job config: %w", err)
	}
	return ParseJobConfig(data)
}

// MarshalRemoteConfig renders the configuration the remote trainer reads, extra keys included
func MarshalRemoteConfig(cfg *models.JobConfig) ([]byte, error) {
	known, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]interface{})
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range cfg.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.MarshalIndent(merged, "", "  ")
}

// applyDefaults fills values the remote trainer would otherwise default on its own
func applyDefaults(cfg *models.JobConfig) {
	if cfg.BaseModel == "" {
		cfg.BaseModel = "unsloth/Qwen3-Coder-30B-A3B-Instruct"
	}
	if cfg.LoraRank == 0 {
		cfg.LoraRank = 8
	}
	if cfg.LoraAlpha == 0 {
		cfg.LoraAlpha = 16
	}
	if cfg.LoraDropout == 0 {
		cfg.LoraDropout = 0.05
	}
	if cfg.NumTrainEpochs == 0 {
		cfg.NumTrainEpochs = 2
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 2e-4
	}
	if cfg.PerDeviceTrainBatchSize == 0 {
		cfg.PerDeviceTrainBatchSize = 1
	}
	if cfg.GradientAccumulationSteps == 0 {
		cfg.GradientAccumulationSteps = 16
	}
	if cfg.MaxSeqLength == 0 {
		cfg.MaxSeqLength = 2048
	}
	if cfg.TrainingMode == "" {
		cfg.TrainingMode = models.ModeAdapter
	}
}

// CountSamples counts non-blank lines of a JSONL dataset
func CountSamples(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	count := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read dataset: %w", err)
	}
	return count, nil
}

// ResolveMode picks the training mode: an explicit request wins over the config file
func ResolveMode(requested models.TrainingMode, cfg *models.JobConfig) models.TrainingMode {
	if requested.Valid() {
		return requested
	}
	if cfg != nil && cfg.TrainingMode.Valid() {
		return cfg.TrainingMode
	}
	return models.ModeAdapter
}

// ParseMode parses a user supplied mode string ("" means unspecified)
func ParseMode(s string) (models.TrainingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "adapter", "lora":
		return models.ModeAdapter, nil
	case "full", "full_finetune":
		return models.ModeFull, nil
	default:
		return "", fmt.Errorf("unknown training mode %q", s)
	}
}
