package frameworks

import (
	"strings"

	"remote-trainer/core/models"
)

// FullFinetuneSetup trains every parameter of the base model
type FullFinetuneSetup struct{}

// Mode returns the training mode handled by this setup
func (f *FullFinetuneSetup) Mode() models.TrainingMode {
	return models.ModeFull
}

// Layout returns the full fine-tune remote layout
func (f *FullFinetuneSetup) Layout() RemoteLayout {
	return RemoteLayout{
		DatasetPath:  RemoteDatasetPath,
		ConfigPath:   RemoteConfigPath,
		OutputDir:    RemoteOutputDir + "/model",
		ArtifactPath: RemoteOutputDir + "/model.gguf",
		ArtifactName: "model.gguf",
	}
}

// Environment returns the full fine-tune environment
func (f *FullFinetuneSetup) Environment(cfg *models.JobConfig) map[string]string {
	env := baseEnvironment()
	env["TOKENIZERS_PARALLELISM"] = "false"
	if cfg != nil && cfg.Quantization != "" {
		env["GGUF_QUANTIZATION"] = strings.ToLower(cfg.Quantization)
	}
	return env
}

// GenerateTrainingScript generates the full fine-tune wrapper
func (f *FullFinetuneSetup) GenerateTrainingScript(cfg *models.JobConfig) string {
	return renderScript(f.Layout(), f.Environment(cfg), WorkspaceDir+"/train_full_finetune.py")
}
