package frameworks

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"remote-trainer/core/models"
)

// Remote layout shared by every trainer image
const (
	WorkspaceDir      = "/workspace"
	RemoteInputDir    = "/workspace/input"
	RemoteOutputDir   = "/workspace/output"
	RemoteDatasetPath = "/workspace/input/unsloth_dataset.jsonl"
	RemoteConfigPath  = "/workspace/input/config.json"
	HFCacheDir        = "/workspace/.cache/huggingface"
)

// RemoteLayout is where a training setup reads inputs and writes outputs
type RemoteLayout struct {
	DatasetPath  string
	ConfigPath   string
	OutputDir    string // Trained weights directory
	ArtifactPath string // Single-file GGUF artifact
	ArtifactName string // Base name used at the canonical local path
}

// TrainingSetup prepares the remote command for one training mode
type TrainingSetup interface {
	Mode() models.TrainingMode
	Layout() RemoteLayout
	Environment(cfg *models.JobConfig) map[string]string
	GenerateTrainingScript(cfg *models.JobConfig) string
}

// ForMode returns the setup for mode
func ForMode(mode models.TrainingMode) (TrainingSetup, error) {
	switch mode {
	case models.ModeAdapter:
		return &UnslothSetup{}, nil
	case models.ModeFull:
		return &FullFinetuneSetup{}, nil
	default:
		return nil, fmt.Errorf("unsupported training mode: %s", mode)
	}
}

// baseEnvironment returns the variables every trainer needs
func baseEnvironment() map[string]string {
	return map[string]string{
		"HF_HOME":                 HFCacheDir,
		"TRANSFORMERS_CACHE":      path.Join(HFCacheDir, "transformers"),
		"HF_DATASETS_CACHE":       path.Join(HFCacheDir, "datasets"),
		"PYTORCH_CUDA_ALLOC_CONF": "expandable_segments:True",
		"PYTHONUNBUFFERED":        "1",
	}
}

// exportLines renders env as sorted export statements
func exportLines(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, ShellQuote(env[k]))
	}
	return b.String()
}

// collectArtifactScript finds the first GGUF the trainer produced and moves
// it to the layout's artifact path
func collectArtifactScript(layout RemoteLayout) string {
	return fmt.Sprintf(`if [ ! -f %[1]s ]; then
  found=$(find %[2]s -maxdepth 4 -name '*.gguf' -not -path '*/.cache/*' 2>/dev/null | head -n 1)
  if [ -n "$found" ]; then
    cp "$found" %[1]s
  fi
fi
`, ShellQuote(layout.ArtifactPath), WorkspaceDir)
}

// renderScript assembles the full training wrapper
func renderScript(layout RemoteLayout, env map[string]string, trainer string) string {
	return fmt.Sprintf(`set -e
%s
mkdir -p %s %s
cd %s
python3 %s --data %s --config %s --output %s
%s`,
		exportLines(env),
		ShellQuote(RemoteOutputDir), ShellQuote(HFCacheDir),
		WorkspaceDir,
		ShellQuote(trainer), ShellQuote(layout.DatasetPath), ShellQuote(layout.ConfigPath), ShellQuote(layout.OutputDir),
		collectArtifactScript(layout))
}

// ShellQuote single-quotes s for POSIX shells
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
