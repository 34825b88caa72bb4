package frameworks

import (
	"strings"

	"remote-trainer/core/models"
)

// UnslothSetup trains a LoRA adapter with the Unsloth trainer image
type UnslothSetup struct{}

// Mode returns the training mode handled by this setup
func (u *UnslothSetup) Mode() models.TrainingMode {
	return models.ModeAdapter
}

// Layout returns the adapter remote layout
func (u *UnslothSetup) Layout() RemoteLayout {
	return RemoteLayout{
		DatasetPath:  RemoteDatasetPath,
		ConfigPath:   RemoteConfigPath,
		OutputDir:    RemoteOutputDir + "/adapter",
		ArtifactPath: RemoteOutputDir + "/adapter.gguf",
		ArtifactName: "adapter.gguf",
	}
}

// Environment returns the adapter trainer environment
func (u *UnslothSetup) Environment(cfg *models.JobConfig) map[string]string {
	env := baseEnvironment()
	// xFormers builds in the trainer image break on newer GPU generations
	env["XFORMERS_DISABLED"] = "1"
	env["USE_FLASH_ATTENTION"] = "0"
	if cfg != nil && cfg.Quantization != "" {
		env["GGUF_QUANTIZATION"] = strings.ToLower(cfg.Quantization)
	}
	return env
}

// GenerateTrainingScript generates the adapter training wrapper
func (u *UnslothSetup) GenerateTrainingScript(cfg *models.JobConfig) string {
	return renderScript(u.Layout(), u.Environment(cfg), WorkspaceDir+"/train_unsloth.py")
}
