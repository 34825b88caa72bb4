package resource_manager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"remote-trainer/core/models"
)

// InstanceProvider is a GPU provider backend
type InstanceProvider interface {
	CreateInstance(ctx context.Context, req models.InstanceRequest) (*models.RemoteInstance, error)
	DescribeInstance(ctx context.Context, instanceID string) (*models.RuntimeDescription, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	Name() string
}

// Provisioner allocates the single instance a job runs on
type Provisioner struct {
	provider InstanceProvider
	pools    []models.Pool
	tiers    map[models.TrainingMode]string

	mu         sync.Mutex
	terminated map[string]bool
}

// NewProvisioner creates a new provisioner trying pools in order
func NewProvisioner(provider InstanceProvider, pools []models.Pool, tiers map[models.TrainingMode]string) *Provisioner {
	return &Provisioner{
		provider:   provider,
		pools:      pools,
		tiers:      tiers,
		terminated: make(map[string]bool),
	}
}

// ProviderName returns the backing provider's name
func (p *Provisioner) ProviderName() string {
	return p.provider.Name()
}

// TierFor returns the resource tier used for spec
func (p *Provisioner) TierFor(spec models.InstanceSpec) (string, error) {
	if spec.TierOverride != "" {
		return spec.TierOverride, nil
	}
	tier, ok := p.tiers[spec.TrainingMode]
	if !ok || tier == "" {
		return "", fmt.Errorf("no resource tier configured for %s training", spec.TrainingMode)
	}
	return tier, nil
}

// Provision issues one creation request per pool, in order, and returns the
// first instance created. When every pool rejects, no instance exists.
func (p *Provisioner) Provision(ctx context.Context, spec models.InstanceSpec) (*models.RemoteInstance, error) {
	logger := zap.S().Named("resource_manager")

	tier, err := p.TierFor(spec)
	if err != nil {
		return nil, err
	}

	failure := &models.ProvisioningError{Attempts: make(map[models.Pool]error)}
	for _, pool := range p.pools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Infof("Requesting %s instance (%s) from %s pool on %s", tier, spec.TrainingMode, pool, p.provider.Name())

		inst, err := p.provider.CreateInstance(ctx, models.InstanceRequest{Name: spec.Name, Pool: pool, Tier: tier})
		if err != nil {
			logger.Warnf("Pool %s rejected the request: %v", pool, err)
			failure.Attempts[pool] = err
			failure.Order = append(failure.Order, pool)
			continue
		}
		logger.Infof("Provisioned instance %s in %s pool ($%.3f/h)", inst.ID, pool, inst.CostPerHour)
		return inst, nil
	}

	if len(failure.Order) == 0 {
		return nil, fmt.Errorf("no resource pools configured")
	}
	return nil, failure
}

// Describe reports the runtime of an instance
func (p *Provisioner) Describe(ctx context.Context, instanceID string) (*models.RuntimeDescription, error) {
	return p.provider.DescribeInstance(ctx, instanceID)
}

// DescribeInstance satisfies the connection resolver's describer
func (p *Provisioner) DescribeInstance(ctx context.Context, instanceID string) (*models.RuntimeDescription, error) {
	return p.Describe(ctx, instanceID)
}

// Terminate terminates inst at most once. The instance is marked terminated
// even when the provider call fails; that failure is returned.
func (p *Provisioner) Terminate(ctx context.Context, inst *models.RemoteInstance) error {
	if inst == nil || inst.ID == "" {
		return nil
	}

	p.mu.Lock()
	if p.terminated[inst.ID] || inst.State == models.InstanceStateTerminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated[inst.ID] = true
	inst.State = models.InstanceStateTerminated
	p.mu.Unlock()

	logger := zap.S().Named("resource_manager")
	logger.Infof("Terminating instance %s", inst.ID)
	if err := p.provider.TerminateInstance(ctx, inst.ID); err != nil {
		logger.Errorf("Failed to terminate instance %s: %v", inst.ID, err)
		return fmt.Errorf("failed to terminate instance %s: %w", inst.ID, err)
	}
	return nil
}
