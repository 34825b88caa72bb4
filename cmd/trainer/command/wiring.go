package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"remote-trainer/config"
	"remote-trainer/core/connection"
	"remote-trainer/core/executor"
	"remote-trainer/core/models"
	"remote-trainer/core/monitoring"
	"remote-trainer/core/orchestrator"
	"remote-trainer/core/repository"
	"remote-trainer/core/resource_manager"
	"remote-trainer/core/transfer"
	"remote-trainer/providers/aws"
	"remote-trainer/providers/runpod"
	"remote-trainer/storage"
)

// buildOrchestrator wires the collaborators selected by cfg. The returned
// close func releases the history database.
func buildOrchestrator(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, func(), error) {
	logger := zap.S().Named("trainer")
	closeFn := func() {}

	var (
		provider resource_manager.InstanceProvider
		gateway  connection.GatewayClient
	)
	switch cfg.Provider {
	case "runpod":
		client, err := runpod.NewClient(runpod.Options{
			Endpoint:       cfg.RunPod.Endpoint,
			APIKey:         cfg.RunPod.APIKey,
			Image:          cfg.RunPod.Image,
			VolumeGB:       cfg.RunPod.VolumeGB,
			ContainerGB:    cfg.RunPod.ContainerGB,
			RequestTimeout: cfg.RunPod.RequestTimeout.Std(),
		})
		if err != nil {
			return nil, closeFn, err
		}
		provider = client
		gateway = client
	case "aws":
		client, err := aws.NewClient(ctx, aws.Options{
			Region:          cfg.AWS.Region,
			AMINamePattern:  cfg.AWS.AMINamePattern,
			KeyName:         cfg.AWS.KeyName,
			SecurityGroupID: cfg.AWS.SecurityGroupID,
			SubnetID:        cfg.AWS.SubnetID,
			InstanceProfile: cfg.AWS.InstanceProfile,
		})
		if err != nil {
			return nil, closeFn, fmt.Errorf("failed to create aws client: %w", err)
		}
		provider = client
	default:
		return nil, closeFn, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	pools := make([]models.Pool, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools = append(pools, models.Pool(p))
	}
	tiers := make(map[models.TrainingMode]string, len(cfg.Tiers))
	for mode, tier := range cfg.Tiers {
		tiers[models.TrainingMode(mode)] = tier
	}
	provisioner := resource_manager.NewProvisioner(provider, pools, tiers)

	execOpts := executor.DefaultOptions()
	execOpts.ConnectTimeout = cfg.Connection.ConnectTimeout.Std()
	execOpts.KeepAliveInterval = cfg.Connection.KeepAliveInterval.Std()
	factory := executor.NewFactory(execOpts)

	resolver := connection.NewResolver(
		provisioner,
		gateway,
		connection.DefaultProbes(cfg.RunPod.GatewayField, cfg.Connection.GatewayHost),
		factory,
		connection.NewRecordStore(cfg.Connection.RecordPath),
		connection.Options{
			ReadinessAttempts: cfg.Connection.ReadinessAttempts,
			ReadinessInterval: cfg.Connection.ReadinessInterval.Std(),
			HandshakeAttempts: cfg.Connection.HandshakeAttempts,
			HandshakeInterval: cfg.Connection.HandshakeInterval.Std(),
			CandidateUsers:    cfg.Connection.CandidateUsers,
			GatewayHost:       cfg.Connection.GatewayHost,
			DirectOnly:        cfg.Env.DirectOnly,
			EnvKeyPath:        cfg.Env.SSHKey,
			DefaultKeyPath:    cfg.Connection.DefaultKeyPath,
		},
	)

	deps := orchestrator.Deps{
		Provisioner: provisioner,
		Resolver:    resolver,
		Executors:   factory,
		Uploader:    transfer.NewUploader(cfg.Transfer.UploadAttempts, cfg.Transfer.UploadDelay.Std()),
		Downloader:  transfer.NewDownloader(cfg.Transfer.ExcludePatterns),
	}

	if cfg.ObjectStorage.Enabled {
		store, err := storage.NewObjectStore(
			storage.WithEndpoint(cfg.ObjectStorage.Endpoint),
			storage.WithBucket(cfg.ObjectStorage.Bucket),
			storage.WithPrefix(cfg.ObjectStorage.Prefix),
			storage.WithAccessKey(cfg.ObjectStorage.AccessKey),
			storage.WithSecretKey(cfg.ObjectStorage.SecretKey),
			storage.WithSSL(cfg.ObjectStorage.UseSSL),
			storage.WithURLExpiry(cfg.ObjectStorage.URLExpiry.Std()),
		)
		if err != nil {
			return nil, closeFn, fmt.Errorf("failed to create object store: %w", err)
		}
		deps.ObjectStore = store
	}

	if activator := orchestrator.NewCommandActivator(cfg.ActivationCommand); activator != nil {
		deps.Activator = activator
	}

	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return nil, closeFn, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, closeFn, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Run history database connected")
		deps.History = repository.NewRunRepository(db.DB)
		closeFn = func() { db.Close() }
	}

	if cfg.MetricsTextfile != "" {
		deps.Metrics = monitoring.NewMetricsExporter()
	}

	orch := orchestrator.New(deps, orchestrator.Options{
		WorkDir:          cfg.WorkDir,
		StatusDir:        cfg.StatusDir,
		ArtifactsDir:     cfg.ArtifactsDir,
		MetricsTextfile:  cfg.MetricsTextfile,
		TransferStrategy: cfg.Transfer.Strategy,
		ExcludePatterns:  cfg.Transfer.ExcludePatterns,
		TierOverride:     cfg.Env.GPUTier,
	})
	return orch, closeFn, nil
}
