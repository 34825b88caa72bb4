package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"remote-trainer/core/models"
	"remote-trainer/storage"
	"remote-trainer/training/frameworks"
)

// ManifestName is the serving manifest written next to the artifact
const ManifestName = "Modelfile"

// LatestLink points at the newest successfully finalized run
const LatestLink = "latest"

// FinalizeRequest describes a downloaded artifact to publish locally
type FinalizeRequest struct {
	ArtifactPath string
	ArtifactsDir string
	RunLabel     string
	Date         string // YYYY-MM-DD directory of the run
	Setup        frameworks.TrainingSetup
	Config       *models.JobConfig
	ModelName    string
	Salvage      bool // training failed; skip the latest link
}

// FinalizeResult is where the artifact ended up
type FinalizeResult struct {
	ArtifactPath string
	ManifestPath string
	Warnings     []error
}

// CanonicalPath returns <artifacts_dir>/<date>/<run_label>/<artifact name>
func CanonicalPath(artifactsDir, date, runLabel, artifactName string) string {
	return filepath.Join(artifactsDir, date, runLabel, artifactName)
}

// Finalize moves the artifact to its canonical path, writes the manifest,
// points the latest link at the run and activates the model. Only a failure
// to place the artifact or write the manifest is returned; the rest is
// reported as warnings.
func Finalize(ctx context.Context, req FinalizeRequest, activator Activator) (*FinalizeResult, error) {
	logger := zap.S().Named("orchestrator")
	layout := req.Setup.Layout()

	dst := CanonicalPath(req.ArtifactsDir, req.Date, req.RunLabel, layout.ArtifactName)
	res := &FinalizeResult{ArtifactPath: dst}

	warning, err := moveFile(req.ArtifactPath, dst)
	if err != nil {
		return nil, fmt.Errorf("failed to place artifact: %w", err)
	}
	if warning != nil {
		logger.Warnf("%v", warning)
		res.Warnings = append(res.Warnings, warning)
	}

	runDir := filepath.Dir(dst)
	res.ManifestPath = filepath.Join(runDir, ManifestName)
	if err := storage.WriteFileAtomic(res.ManifestPath, []byte(Manifest(req.Setup, req.Config))); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	logger.Infof("Artifact finalized at %s", dst)

	if !req.Salvage {
		if err := updateLatest(req.ArtifactsDir, runDir); err != nil {
			warning := &models.FinalizationWarning{Step: "latest link", Err: err}
			logger.Warnf("%v", warning)
			res.Warnings = append(res.Warnings, warning)
		}
	}

	if activator != nil {
		if err := activator.Activate(ctx, req.ModelName, res.ManifestPath); err != nil {
			warning := &models.FinalizationWarning{Step: "activation", Err: err}
			logger.Warnf("%v", warning)
			res.Warnings = append(res.Warnings, warning)
		} else {
			logger.Infof("Model %s activated", req.ModelName)
		}
	}
	return res, nil
}

// Manifest renders the serving manifest for the artifact
func Manifest(setup frameworks.TrainingSetup, cfg *models.JobConfig) string {
	name := setup.Layout().ArtifactName

	var b strings.Builder
	if setup.Mode() == models.ModeAdapter {
		fmt.Fprintf(&b, "FROM %s\n", cfg.BaseModel)
		fmt.Fprintf(&b, "ADAPTER ./%s\n", name)
	} else {
		fmt.Fprintf(&b, "FROM ./%s\n", name)
	}
	if cfg.MaxSeqLength > 0 {
		fmt.Fprintf(&b, "PARAMETER num_ctx %d\n", cfg.MaxSeqLength)
	}
	return b.String()
}

// moveFile renames src to dst, copying when a rename is not possible
func moveFile(src, dst string) (*models.FinalizationWarning, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil, nil
	}

	if err := copyFile(src, dst); err != nil {
		return nil, err
	}
	if err := os.Remove(src); err != nil {
		zap.S().Named("orchestrator").Warnf("Could not remove %s after copy: %v", src, err)
	}
	return &models.FinalizationWarning{Step: "move", Err: fmt.Errorf("rename failed, copied instead: %w", renameErr)}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// updateLatest swaps the latest link to runDir
func updateLatest(artifactsDir, runDir string) error {
	target, err := filepath.Rel(artifactsDir, runDir)
	if err != nil {
		return err
	}
	link := filepath.Join(artifactsDir, LatestLink)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}
