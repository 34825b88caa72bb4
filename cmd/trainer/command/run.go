package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"remote-trainer/core/models"
	"remote-trainer/core/spec"
)

type jobFlags struct {
	dataset       string
	jobConfig     string
	label         string
	mode          string
	user          string
	key           string
	objectStorage bool
}

var runFlags jobFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Train once on a fresh instance, then terminate it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		req, err := runFlags.request()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		orch, closeFn, err := buildOrchestrator(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		summary, runErr := orch.Run(ctx, req)
		if summary != nil {
			printSummary(summary)
		}
		if runErr != nil {
			zap.S().Named("trainer").Errorw("Run failed", "error", runErr)
			return runErr
		}
		if summary == nil || !summary.TrainingSuccess {
			return fmt.Errorf("training did not succeed")
		}
		return nil
	},
}

func init() {
	registerJobFlags(runCmd, &runFlags)
	_ = runCmd.MarkFlagRequired("dataset")
	_ = runCmd.MarkFlagRequired("job-config")
}

func registerJobFlags(cmd *cobra.Command, f *jobFlags) {
	cmd.Flags().StringVarP(&f.dataset, "dataset", "d", "", "Curated JSONL dataset")
	cmd.Flags().StringVarP(&f.jobConfig, "job-config", "j", "", "JSON job configuration")
	cmd.Flags().StringVar(&f.label, "label", "", "Run label (generated when empty)")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "Training mode: adapter or full (default from job config)")
	cmd.Flags().StringVar(&f.user, "user", os.Getenv("USER"), "User the run is attributed to")
	cmd.Flags().StringVar(&f.key, "key", "", "SSH private key, overrides every other key source")
	cmd.Flags().BoolVar(&f.objectStorage, "object-storage", true, "Hand outputs off to object storage when configured")
}

func (f jobFlags) request() (models.JobRequest, error) {
	mode, err := spec.ParseMode(f.mode)
	if err != nil {
		return models.JobRequest{}, err
	}
	if strings.ContainsAny(f.label, `/\`) || f.label == "." || f.label == ".." {
		return models.JobRequest{}, fmt.Errorf("invalid run label %q", f.label)
	}
	return models.JobRequest{
		User:             f.user,
		DatasetPath:      f.dataset,
		ConfigPath:       f.jobConfig,
		RunLabel:         f.label,
		Mode:             mode,
		UseObjectStorage: f.objectStorage,
		KeyPathOverride:  f.key,
	}, nil
}

func printSummary(s *models.RunSummary) {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}
