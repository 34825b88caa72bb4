package runpod

import (
	"context"
	"fmt"
	"time"

	"remote-trainer/core/models"
)

// cloudTypes maps resource pools to RunPod cloud types
var cloudTypes = map[models.Pool]string{
	models.PoolShared:    "COMMUNITY",
	models.PoolDedicated: "SECURE",
}

const deployMutation = `mutation Deploy($input: PodFindAndDeployOnDemandInput) {
  podFindAndDeployOnDemand(input: $input) {
    id
    costPerHr
    machineId
  }
}`

const podQuery = `query Pod($podId: String!) {
  pod(input: {podId: $podId}) {
    id
    desiredStatus
    runtime {
      uptimeInSeconds
      ports { ip isIpPublic privatePort publicPort type }
    }
  }
}`

const terminateMutation = `mutation Terminate($podId: String!) {
  podTerminate(input: {podId: $podId})
}`

type deployedPod struct {
	ID        string  `json:"id"`
	CostPerHr float64 `json:"costPerHr"`
	MachineID string  `json:"machineId"`
}

type podPort struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"isIpPublic"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
	Type        string `json:"type"`
}

type podRuntime struct {
	UptimeInSeconds int       `json:"uptimeInSeconds"`
	Ports           []podPort `json:"ports"`
}

type pod struct {
	ID            string      `json:"id"`
	DesiredStatus string      `json:"desiredStatus"`
	Runtime       *podRuntime `json:"runtime"`
}

// CreateInstance issues one deploy request against the pool's cloud type.
// The API has no idempotency key, so the caller must not retry blindly.
func (c *Client) CreateInstance(ctx context.Context, req models.InstanceRequest) (*models.RemoteInstance, error) {
	cloudType, ok := cloudTypes[req.Pool]
	if !ok {
		return nil, fmt.Errorf("unknown resource pool %q", req.Pool)
	}

	input := map[string]interface{}{
		"cloudType":         cloudType,
		"gpuCount":          1,
		"gpuTypeId":         req.Tier,
		"name":              req.Name,
		"imageName":         c.image,
		"volumeInGb":        c.volumeGB,
		"containerDiskInGb": c.containerGB,
		"volumeMountPath":   "/workspace",
		"ports":             "22/tcp",
		"startSsh":          true,
		"supportPublicIp":   true,
	}

	var out struct {
		Pod *deployedPod `json:"podFindAndDeployOnDemand"`
	}
	if err := c.do(ctx, deployMutation, map[string]interface{}{"input": input}, &out); err != nil {
		return nil, err
	}
	if out.Pod == nil || out.Pod.ID == "" {
		return nil, fmt.Errorf("no %s capacity for %s", cloudType, req.Tier)
	}

	return &models.RemoteInstance{
		ID:          out.Pod.ID,
		Provider:    models.ProviderRunPod,
		Pool:        req.Pool,
		Tier:        req.Tier,
		CostPerHour: out.Pod.CostPerHr,
		State:       models.InstanceStateProvisioned,
		CreatedAt:   time.Now(),
	}, nil
}

// DescribeInstance reports the pod runtime; Ready is false until the runtime exists
func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (*models.RuntimeDescription, error) {
	var out struct {
		Pod *pod `json:"pod"`
	}
	if err := c.do(ctx, podQuery, map[string]interface{}{"podId": instanceID}, &out); err != nil {
		return nil, err
	}
	if out.Pod == nil {
		return nil, fmt.Errorf("pod %s not found", instanceID)
	}

	desc := &models.RuntimeDescription{}
	if out.Pod.Runtime == nil {
		return desc, nil
	}
	desc.Ready = true
	for _, p := range out.Pod.Runtime.Ports {
		desc.Ports = append(desc.Ports, models.PortMapping{
			IP:          p.IP,
			PrivatePort: p.PrivatePort,
			PublicPort:  p.PublicPort,
			IsPublic:    p.IsIPPublic,
			Type:        p.Type,
		})
		if p.IsIPPublic && desc.PublicIP == "" {
			desc.PublicIP = p.IP
		}
	}
	return desc, nil
}

// TerminateInstance terminates the pod
func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, terminateMutation, map[string]interface{}{"podId": instanceID}, nil)
}
