package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"remote-trainer/core/models"
	"remote-trainer/core/scheduler"
)

// batchManifest lists the jobs of a batch:
//
//	jobs:
//	  - dataset: data/a.jsonl
//	    job_config: config/a.json
//	    mode: adapter
type batchManifest struct {
	Jobs []batchJob `yaml:"jobs"`
}

type batchJob struct {
	Dataset       string `yaml:"dataset"`
	JobConfig     string `yaml:"job_config"`
	Label         string `yaml:"label"`
	Mode          string `yaml:"mode"`
	User          string `yaml:"user"`
	Key           string `yaml:"key"`
	ObjectStorage *bool  `yaml:"object_storage"`
}

var batchParallel int

var batchCmd = &cobra.Command{
	Use:   "batch MANIFEST",
	Short: "Run every job of a manifest, each on its own instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		reqs, err := loadManifest(args[0])
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

		parallel := cfg.MaxParallelJobs
		if batchParallel > 0 {
			parallel = batchParallel
		}
		results := scheduler.NewScheduler(orch, parallel).RunAll(ctx, reqs)

		logger.Sugar().Named("trainer").Infof("Batch finished: %d jobs", len(results))
		for _, r := range results {
			label := r.Request.RunLabel
			if r.Summary != nil {
				label = r.Summary.RunLabel
			}
			switch {
			case r.Err != nil:
				fmt.Printf("%-32s failed: %v\n", label, r.Err)
			case r.Summary == nil || !r.Summary.TrainingSuccess:
				fmt.Printf("%-32s failed\n", label)
			default:
				fmt.Printf("%-32s ok\n", label)
			}
		}
		if !scheduler.Succeeded(results) {
			return fmt.Errorf("one or more jobs failed")
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "p", 0, "Maximum concurrent instances (default from config)")
}

func loadManifest(path string) ([]models.JobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m batchManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("manifest %s has no jobs", path)
	}

	reqs := make([]models.JobRequest, 0, len(m.Jobs))
	for i, j := range m.Jobs {
		if j.Dataset == "" || j.JobConfig == "" {
			return nil, fmt.Errorf("job %d: dataset and job_config are required", i)
		}
		if j.User == "" {
			j.User = os.Getenv("USER")
		}
		f := jobFlags{
			dataset:       j.Dataset,
			jobConfig:     j.JobConfig,
			label:         j.Label,
			mode:          j.Mode,
			user:          j.User,
			key:           j.Key,
			objectStorage: j.ObjectStorage == nil || *j.ObjectStorage,
		}
		req, err := f.request()
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		reqs = append(reqs, req)
	}
	zap.S().Named("trainer").Infof("Loaded %d jobs from %s", len(reqs), path)
	return reqs, nil
}
