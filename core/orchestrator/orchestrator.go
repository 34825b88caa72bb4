package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
	"remote-trainer/core/monitoring"
	"remote-trainer/core/spec"
	"remote-trainer/core/transfer"
	"remote-trainer/training/frameworks"
)

// Provisioner allocates and releases the job's instance
type Provisioner interface {
	Provision(ctx context.Context, spec models.InstanceSpec) (*models.RemoteInstance, error)
	Terminate(ctx context.Context, inst *models.RemoteInstance) error
	ProviderName() string
}

// ConnectionResolver turns an instance into a usable ssh login
type ConnectionResolver interface {
	Resolve(ctx context.Context, instanceID string, keyOverride string) (*models.ConnectionInfo, error)
}

// Activator makes a finalized model available to the local serving runtime
type Activator interface {
	Activate(ctx context.Context, modelName, manifestPath string) error
}

// SummaryStore keeps run history
type SummaryStore interface {
	SaveSummary(ctx context.Context, s *models.RunSummary) error
}

// Deps are the collaborators of a run. ObjectStore, Activator, History and
// Metrics are optional.
type Deps struct {
	Provisioner Provisioner
	Resolver    ConnectionResolver
	Executors   executor.Factory
	Uploader    *transfer.Uploader
	Downloader  *transfer.Downloader
	ObjectStore transfer.ObjectTarget
	Activator   Activator
	History     SummaryStore
	Metrics     *monitoring.MetricsExporter
}

// Options are the local layout and policies of a run
type Options struct {
	WorkDir          string
	StatusDir        string
	ArtifactsDir     string
	MetricsTextfile  string
	TransferStrategy string // mirror | copy
	ExcludePatterns  []string
	TierOverride     string
	TerminateTimeout time.Duration
	ProgressInterval time.Duration
}

// Orchestrator runs training jobs end to end on ephemeral instances
type Orchestrator struct {
	deps Deps
	opts Options
}

// New creates a new orchestrator
func New(deps Deps, opts Options) *Orchestrator {
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 2 * time.Minute
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 5 * time.Second
	}
	if opts.TransferStrategy == "" {
		opts.TransferStrategy = "mirror"
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// JobContext is the state of one run, passed through every phase
type JobContext struct {
	Request  models.JobRequest
	Config   *models.JobConfig
	Setup    frameworks.TrainingSetup
	RunID    string
	WorkDir  string
	Tracker  *monitoring.Tracker
	Cost     *monitoring.CostTracker
	Summary  *models.RunSummary
	Instance *models.RemoteInstance
	Conn     *models.ConnectionInfo
	Exec     executor.RemoteExecutor

	exitCode      *int
	streamErr     error
	localArtifact string
	handedOff     bool
}

// Run executes req. The instance, once created, is terminated whatever
// happens, and exactly one summary is written. The returned error is the
// phase failure, if any; a nonzero remote exit is reported only through the
// summary.
func (o *Orchestrator) Run(ctx context.Context, req models.JobRequest) (summary *models.RunSummary, err error) {
	jc, err := o.newJobContext(req)

	defer func() {
		o.cleanup(ctx, jc)
		summary = o.finish(ctx, jc, err)
	}()
	if err != nil {
		return jc.Summary, err
	}

	err = o.runPhases(ctx, jc)
	return jc.Summary, err
}

func (o *Orchestrator) newJobContext(req models.JobRequest) (*JobContext, error) {
	started := time.Now().UTC()
	if req.RunLabel == "" {
		req.RunLabel = spec.NewRunLabel(started)
	}

	jc := &JobContext{
		Request: req,
		RunID:   spec.NewRunID(),
		WorkDir: filepath.Join(o.opts.WorkDir, req.RunLabel),
		Cost:    monitoring.NewCostTracker(),
	}
	jc.Summary = &models.RunSummary{
		Date:      spec.LabelDate(req.RunLabel, started),
		RunLabel:  req.RunLabel,
		RunID:     jc.RunID,
		Provider:  o.deps.Provisioner.ProviderName(),
		StartedAt: started,
	}

	if err := os.MkdirAll(jc.WorkDir, 0o755); err != nil {
		return jc, fmt.Errorf("failed to create work dir: %w", err)
	}

	tracker, err := monitoring.NewTracker(o.opts.StatusDir, req.RunLabel, monitoring.DefaultStages)
	if err != nil {
		return jc, fmt.Errorf("failed to create status file: %w", err)
	}
	jc.Tracker = tracker
	o.metadata(jc, "run_id", jc.RunID)
	o.metadata(jc, "summary_path", summaryPath(jc))

	cfg, err := spec.LoadJobConfig(req.ConfigPath)
	if err != nil {
		return jc, &models.ConfigurationError{Msg: err.Error(), Remediation: "check the job configuration file " + req.ConfigPath}
	}
	jc.Config = cfg
	jc.Summary.BaseModel = cfg.BaseModel

	jc.Request.Mode = spec.ResolveMode(req.Mode, cfg)
	jc.Config.TrainingMode = jc.Request.Mode
	if jc.Setup, err = frameworks.ForMode(jc.Request.Mode); err != nil {
		return jc, &models.ConfigurationError{Msg: err.Error(), Remediation: "set training_mode to adapter or full"}
	}

	samples, err := spec.CountSamples(req.DatasetPath)
	if err != nil {
		return jc, &models.ConfigurationError{Msg: err.Error(), Remediation: "provide the curated JSONL dataset"}
	}
	if samples == 0 {
		return jc, &models.ConfigurationError{Msg: "dataset is empty", Remediation: "curate at least one sample into " + req.DatasetPath}
	}
	jc.Summary.Samples = samples

	zap.S().Named("orchestrator").Infof("Run %s: %d samples, %s training of %s", req.RunLabel, samples, jc.Request.Mode, cfg.BaseModel)
	return jc, nil
}

func (o *Orchestrator) runPhases(ctx context.Context, jc *JobContext) error {
	phases := []struct {
		stage string
		run   func(context.Context, *JobContext) error
	}{
		{monitoring.StageProvision, o.provision},
		{monitoring.StageConnect, o.connect},
		{monitoring.StageVerifyEnvironment, o.verifyEnvironment},
		{monitoring.StageUpload, o.upload},
		{monitoring.StageTraining, o.execute},
		{monitoring.StageDownload, o.download},
		{monitoring.StageFinalize, o.finalize},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			o.failStage(jc, phase.stage, "aborted")
			return fmt.Errorf("run aborted before %s: %w", phase.stage, err)
		}
		o.startStage(jc, phase.stage, "")
		if err := phase.run(ctx, jc); err != nil {
			o.failStage(jc, phase.stage, err.Error())
			return err
		}
	}
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, jc *JobContext) error {
	inst, err := o.deps.Provisioner.Provision(ctx, models.InstanceSpec{
		Name:         "trainer-" + jc.Request.RunLabel,
		TrainingMode: jc.Request.Mode,
		TierOverride: o.opts.TierOverride,
	})
	if err != nil {
		return err
	}

	jc.Instance = inst
	jc.Cost.TrackInstance(inst)
	jc.Summary.PodID = models.StringPtr(inst.ID)
	jc.Summary.Pool = models.StringPtr(string(inst.Pool))
	o.metadata(jc, "pod_id", inst.ID)
	o.completeStage(jc, monitoring.StageProvision, fmt.Sprintf("%s (%s, %s)", inst.ID, inst.Pool, inst.Tier))
	return nil
}

func (o *Orchestrator) connect(ctx context.Context, jc *JobContext) error {
	conn, err := o.deps.Resolver.Resolve(ctx, jc.Instance.ID, jc.Request.KeyPathOverride)
	if err != nil {
		return err
	}

	exec, err := o.deps.Executors(*conn)
	if err != nil {
		return err
	}
	jc.Conn = conn
	jc.Exec = exec

	s := jc.Summary
	s.SSHUser = models.StringPtr(conn.User)
	s.SSHHost = models.StringPtr(conn.Host)
	if conn.Port != 0 {
		s.SSHPort = models.IntPtr(conn.Port)
	}
	s.SSHKeyPath = models.StringPtr(conn.KeyPath)
	s.ConnectionMode = models.StringPtr(string(conn.Mode))
	o.metadata(jc, "ssh", conn.Login())
	o.completeStage(jc, monitoring.StageConnect, fmt.Sprintf("%s via %s", conn.Login(), conn.Mode))
	return nil
}

const environmentCheck = `nvidia-smi --query-gpu=name,memory.total --format=csv,noheader && python3 -c 'import torch; print("cuda", torch.cuda.is_available())'`

func (o *Orchestrator) verifyEnvironment(ctx context.Context, jc *JobContext) error {
	res, err := jc.Exec.Run(ctx, environmentCheck, nil)
	if err != nil {
		return fmt.Errorf("environment check failed: %w", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "cuda True") {
		return fmt.Errorf("environment check failed: %w", &models.RemoteExecutionError{
			Command:  environmentCheck,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		})
	}

	gpu := strings.TrimSpace(strings.SplitN(strings.ReplaceAll(res.Stdout, "\r", ""), "\n", 2)[0])
	o.metadata(jc, "gpu", gpu)
	o.completeStage(jc, monitoring.StageVerifyEnvironment, gpu)
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, jc *JobContext) error {
	layout := jc.Setup.Layout()

	remoteCfg, err := o.remoteConfig(jc)
	if err != nil {
		return err
	}
	localCfg := filepath.Join(jc.WorkDir, "config.json")
	if err := os.WriteFile(localCfg, remoteCfg, 0o644); err != nil {
		return err
	}

	tasks := []models.TransferTask{
		{Direction: models.DirectionUpload, LocalPath: localCfg, RemotePath: layout.ConfigPath, Mode: models.TransferSingle},
		{Direction: models.DirectionUpload, LocalPath: jc.Request.DatasetPath, RemotePath: layout.DatasetPath, Mode: models.TransferSingle},
	}
	for i, task := range tasks {
		if err := o.deps.Uploader.Upload(ctx, jc.Exec, []models.TransferTask{task}); err != nil {
			return err
		}
		o.updateStage(jc, monitoring.StageUpload, float64(i+1)*40, filepath.Base(task.RemotePath))
	}

	marker, err := o.deps.Uploader.Seal(ctx, jc.Exec, layout.DatasetPath, jc.Request.DatasetPath)
	if err != nil {
		return err
	}
	jc.Summary.UploadVerification = models.StringPtr(marker)
	o.completeStage(jc, monitoring.StageUpload, marker)
	return nil
}

func (o *Orchestrator) remoteConfig(jc *JobContext) ([]byte, error) {
	cfg := *jc.Config
	handoff := o.handoffEnabled(jc)
	cfg.ObjectStorage = &handoff
	return spec.MarshalRemoteConfig(&cfg)
}

func (o *Orchestrator) execute(ctx context.Context, jc *JobContext) error {
	te := executor.NewTrainingExecutor(jc.Setup, jc.Tracker, monitoring.StageTraining, o.opts.ProgressInterval)
	res, err := te.Execute(ctx, jc.Exec, jc.Config)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// The session dropped mid-run; outputs written so far are still salvaged
		jc.streamErr = err
		zap.S().Named("orchestrator").Warnf("Lost the training session: %v, reconnecting to salvage outputs", err)
		o.failStage(jc, monitoring.StageTraining, err.Error())
		o.reconnect(jc)
		return nil
	}

	jc.exitCode = models.IntPtr(res.ExitCode)
	jc.Summary.RemoteExitCode = jc.exitCode
	if res.ExitCode != 0 {
		rerr := &models.RemoteExecutionError{Command: "training", ExitCode: res.ExitCode, Stderr: res.Stdout}
		zap.S().Named("orchestrator").Warnf("%v, continuing to salvage outputs", rerr)
		o.failStage(jc, monitoring.StageTraining, rerr.Error())
		return nil
	}
	o.completeStage(jc, monitoring.StageTraining, "training finished")
	return nil
}

// reconnect replaces the executor after a dropped session
func (o *Orchestrator) reconnect(jc *JobContext) {
	logger := zap.S().Named("orchestrator")
	if err := jc.Exec.Close(); err != nil {
		logger.Debugf("Closing dropped connection: %v", err)
	}
	exec, err := o.deps.Executors(*jc.Conn)
	if err != nil {
		logger.Warnf("Reconnect to %s failed: %v", jc.Conn.Login(), err)
		return
	}
	jc.Exec = exec
}

func (o *Orchestrator) trainingSucceeded(jc *JobContext) bool {
	return jc.exitCode != nil && *jc.exitCode == 0
}

// handoffEnabled reports whether outputs go straight to object storage
func (o *Orchestrator) handoffEnabled(jc *JobContext) bool {
	if o.deps.ObjectStore == nil || !jc.Request.UseObjectStorage {
		return false
	}
	return jc.Config.ObjectStorage == nil || *jc.Config.ObjectStorage
}

func (o *Orchestrator) download(ctx context.Context, jc *JobContext) error {
	logger := zap.S().Named("orchestrator")
	layout := jc.Setup.Layout()

	if o.handoffEnabled(jc) {
		location, err := transfer.Handoff(ctx, jc.Exec, o.deps.ObjectStore, frameworks.RemoteOutputDir, jc.Request.RunLabel, o.opts.ExcludePatterns)
		if err == nil {
			jc.handedOff = true
			jc.Summary.S3Location = models.StringPtr(location)
			o.metadata(jc, "s3_location", location)
			o.completeStage(jc, monitoring.StageDownload, location)
			return nil
		}
		logger.Warnf("Object storage handoff failed, falling back to local download: %v", err)
	}

	// Known-path artifact
	artifact := filepath.Join(jc.WorkDir, layout.ArtifactName)
	_, artifactErr := o.deps.Downloader.Download(ctx, jc.Exec, models.TransferTask{
		Direction:  models.DirectionDownload,
		RemotePath: layout.ArtifactPath,
		LocalPath:  artifact,
		Mode:       models.TransferSingle,
	})
	if artifactErr == nil {
		jc.localArtifact = artifact
	}
	o.updateStage(jc, monitoring.StageDownload, 50, layout.ArtifactName)

	// Output tree
	mode := models.TransferMirror
	if o.opts.TransferStrategy == "copy" {
		mode = models.TransferRecursive
	}
	_, treeErr := o.deps.Downloader.Download(ctx, jc.Exec, models.TransferTask{
		Direction:       models.DirectionDownload,
		RemotePath:      layout.OutputDir,
		LocalPath:       filepath.Join(jc.WorkDir, "output"),
		Mode:            mode,
		ExcludePatterns: o.opts.ExcludePatterns,
	})
	if treeErr != nil {
		logger.Warnf("Output directory download incomplete: %v", treeErr)
	}

	if artifactErr != nil {
		if o.trainingSucceeded(jc) {
			return artifactErr
		}
		logger.Warnf("No artifact to salvage: %v", artifactErr)
		o.failStage(jc, monitoring.StageDownload, artifactErr.Error())
		return nil
	}
	o.completeStage(jc, monitoring.StageDownload, artifact)
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, jc *JobContext) error {
	if jc.handedOff {
		o.completeStage(jc, monitoring.StageFinalize, "outputs kept in object storage")
		return nil
	}
	if jc.localArtifact == "" {
		o.failStage(jc, monitoring.StageFinalize, "no artifact")
		return nil
	}

	salvage := !o.trainingSucceeded(jc)
	if salvage {
		zap.S().Named("orchestrator").Warnf("Training failed but %s exists, salvaging", jc.localArtifact)
	}

	res, err := Finalize(ctx, FinalizeRequest{
		ArtifactPath: jc.localArtifact,
		ArtifactsDir: o.opts.ArtifactsDir,
		RunLabel:     jc.Request.RunLabel,
		Date:         jc.Summary.Date,
		Setup:        jc.Setup,
		Config:       jc.Config,
		ModelName:    modelName(jc),
		Salvage:      salvage,
	}, o.deps.Activator)
	if err != nil {
		return err
	}

	jc.Summary.ArtifactPath = models.StringPtr(res.ArtifactPath)
	jc.Summary.ManifestPath = models.StringPtr(res.ManifestPath)
	o.metadata(jc, "artifact_path", res.ArtifactPath)
	o.completeStage(jc, monitoring.StageFinalize, res.ArtifactPath)
	return nil
}

func modelName(jc *JobContext) string {
	user := jc.Request.User
	if user == "" {
		user = "trainer"
	}
	return user + "-" + jc.Request.RunLabel
}

// cleanup closes the connection and terminates the instance. It runs on a
// context detached from ctx so that an aborted run still releases the instance.
func (o *Orchestrator) cleanup(ctx context.Context, jc *JobContext) {
	logger := zap.S().Named("orchestrator")

	if jc.Exec != nil {
		if err := jc.Exec.Close(); err != nil {
			logger.Warnf("Failed to close connection: %v", err)
		}
	}
	if jc.Instance == nil {
		return
	}

	o.startStage(jc, monitoring.StageCleanup, "terminating "+jc.Instance.ID)
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.TerminateTimeout)
	defer cancel()

	err := o.deps.Provisioner.Terminate(tctx, jc.Instance)
	jc.Cost.StopTracking()
	if err != nil {
		logger.Errorf("Instance %s may still be running: %v", jc.Instance.ID, err)
		o.failStage(jc, monitoring.StageCleanup, err.Error())
		return
	}
	jc.Summary.Terminated = true
	o.completeStage(jc, monitoring.StageCleanup, "instance terminated")
}

// finish fills in the outcome and writes the summary
func (o *Orchestrator) finish(ctx context.Context, jc *JobContext, runErr error) *models.RunSummary {
	logger := zap.S().Named("orchestrator")
	s := jc.Summary

	now := time.Now().UTC()
	s.FinishedAt = &now
	s.EstimatedCostUSD = jc.Cost.EstimatedCost()
	s.TrainingSuccess = runErr == nil && o.trainingSucceeded(jc) && (jc.handedOff || s.ArtifactPath != nil)

	switch {
	case runErr != nil:
		s.Error = models.StringPtr(runErr.Error())
	case jc.streamErr != nil:
		s.Error = models.StringPtr(jc.streamErr.Error())
	case jc.exitCode != nil && *jc.exitCode != 0:
		s.Error = models.StringPtr(fmt.Sprintf("remote training exited with code %d", *jc.exitCode))
	case !s.TrainingSuccess:
		s.Error = models.StringPtr("training produced no artifact")
	}

	path := summaryPath(jc)
	if err := WriteSummary(path, s); err != nil {
		logger.Errorf("Failed to write summary to %s: %v", path, err)
		path = FallbackSummaryPath(jc.Request.RunLabel)
		if err := WriteSummary(path, s); err != nil {
			logger.Errorf("Failed to write summary to %s: %v", path, err)
			path = ""
		}
	}
	if path != "" {
		logger.Infof("Summary written to %s", path)
	}

	if o.deps.History != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := o.deps.History.SaveSummary(hctx, s); err != nil {
			logger.Warnf("Failed to record run history: %v", err)
		}
		cancel()
	}

	if o.deps.Metrics != nil && o.opts.MetricsTextfile != "" {
		var progress *models.ProgressState
		if jc.Tracker != nil {
			snap := jc.Tracker.Snapshot()
			progress = &snap
		}
		o.deps.Metrics.Record(jc.Request.Mode, s, progress)
		if err := o.deps.Metrics.WriteTextfile(o.opts.MetricsTextfile); err != nil {
			logger.Warnf("%v", err)
		}
	}

	if jc.Tracker != nil {
		if s.TrainingSuccess {
			o.trackerErr(jc.Tracker.Complete("training run finished"))
		} else {
			o.trackerErr(jc.Tracker.Fail(*s.Error))
		}
	}
	return s
}

func summaryPath(jc *JobContext) string {
	return filepath.Join(jc.WorkDir, "summary.json")
}

// FallbackSummaryPath is where the summary goes when the work dir is unusable
func FallbackSummaryPath(runLabel string) string {
	return filepath.Join(os.TempDir(), "remote-trainer", runLabel+"-summary.json")
}

func (o *Orchestrator) startStage(jc *JobContext, stage, msg string) {
	if jc.Tracker != nil {
		o.trackerErr(jc.Tracker.StartStage(stage, msg))
	}
}

func (o *Orchestrator) updateStage(jc *JobContext, stage string, pct float64, msg string) {
	if jc.Tracker != nil {
		o.trackerErr(jc.Tracker.UpdateStage(stage, pct, msg))
	}
}

func (o *Orchestrator) completeStage(jc *JobContext, stage, msg string) {
	if jc.Tracker != nil {
		o.trackerErr(jc.Tracker.CompleteStage(stage, msg))
	}
}

func (o *Orchestrator) failStage(jc *JobContext, stage, reason string) {
	if jc.Tracker != nil {
		o.trackerErr(jc.Tracker.FailStage(stage, reason))
	}
}

func (o *Orchestrator) metadata(jc *JobContext, key string, value interface{}) {
	if jc.Tracker != nil {
		o.trackerErr(jc.Tracker.SetMetadata(key, value))
	}
}

// trackerErr logs status file problems; they never fail a run
func (o *Orchestrator) trackerErr(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.S().Named("orchestrator").Warnf("Status file not updated: %v", err)
	}
}
