package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"remote-trainer/core/models"
)

// CreateInstance launches one GPU instance. The shared pool maps to the spot
// market, the dedicated pool to on-demand capacity.
func (c *Client) CreateInstance(ctx context.Context, req models.InstanceRequest) (*models.RemoteInstance, error) {
	spot := false
	switch req.Pool {
	case models.PoolShared:
		spot = true
	case models.PoolDedicated:
	default:
		return nil, fmt.Errorf("unknown resource pool %q", req.Pool)
	}

	amiID, err := c.GetGPUOptimizedAMI(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GPU AMI: %w", err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: types.InstanceType(req.Tier),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(getUserDataScript()),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(req.Name)},
					{Key: aws.String("ManagedBy"), Value: aws.String("remote-trainer")},
				},
			},
		},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
	}
	if c.opts.KeyName != "" {
		input.KeyName = aws.String(c.opts.KeyName)
	}
	if c.opts.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(c.opts.InstanceProfile)}
	}
	if c.opts.SubnetID != "" || c.opts.SecurityGroupID != "" {
		nic := types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
		}
		if c.opts.SubnetID != "" {
			nic.SubnetId = aws.String(c.opts.SubnetID)
		}
		if c.opts.SecurityGroupID != "" {
			nic.Groups = []string{c.opts.SecurityGroupID}
		}
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{nic}
	}
	if spot {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType: types.SpotInstanceTypeOneTime,
			},
		}
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(result.Instances) == 0 {
		return nil, fmt.Errorf("run instances returned no instance")
	}

	price, err := c.HourlyPrice(ctx, req.Tier, spot)
	if err != nil {
		zap.S().Named("aws").Warnf("Price lookup for %s failed: %v", req.Tier, err)
	}

	return &models.RemoteInstance{
		ID:          aws.ToString(result.Instances[0].InstanceId),
		Provider:    models.ProviderAWS,
		Pool:        req.Pool,
		Tier:        req.Tier,
		CostPerHour: price,
		State:       models.InstanceStateProvisioned,
		CreatedAt:   time.Now(),
	}, nil
}

// DescribeInstance reports the instance runtime. EC2 instances only expose
// direct ssh on port 22 of their public address.
func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (*models.RuntimeDescription, error) {
	result, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance: %w", err)
	}

	for _, r := range result.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			desc := &models.RuntimeDescription{}
			if inst.State == nil || inst.State.Name != types.InstanceStateNameRunning {
				return desc, nil
			}
			ip := aws.ToString(inst.PublicIpAddress)
			if ip == "" {
				return desc, nil
			}
			desc.Ready = true
			desc.PublicIP = ip
			desc.Ports = []models.PortMapping{{IP: ip, PrivatePort: 22, PublicPort: 22, IsPublic: true, Type: "tcp"}}
			return desc, nil
		}
	}
	return nil, fmt.Errorf("instance %s not found", instanceID)
}

// TerminateInstance terminates the instance
func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance: %w", err)
	}
	return nil
}

// getUserDataScript prepares the remote layout the trainer expects
func getUserDataScript() string {
	return base64UserData(`#!/bin/bash
set -e
mkdir -p /workspace/input /workspace/output /workspace/.cache/huggingface
chmod -R 777 /workspace
echo "Instance initialization complete" >> /var/log/user-data.log
`)
}
