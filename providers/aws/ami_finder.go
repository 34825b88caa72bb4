package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// GetGPUOptimizedAMI finds the newest available GPU deep learning AMI matching the configured name pattern
func (c *Client) GetGPUOptimizedAMI(ctx context.Context) (string, error) {
	input := &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []types.Filter{
			{
				Name:   aws.String("name"),
				Values: []string{c.opts.AMINamePattern},
			},
			{
				Name:   aws.String("state"),
				Values: []string{"available"},
			},
			{
				Name:   aws.String("architecture"),
				Values: []string{"x86_64"},
			},
		},
	}

	result, err := c.ec2Client.DescribeImages(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to describe images: %w", err)
	}
	if len(result.Images) == 0 {
		return "", fmt.Errorf("no AMI matches %q in %s", c.opts.AMINamePattern, c.opts.Region)
	}

	images := result.Images
	// CreationDate is ISO 8601, so lexical order is chronological
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}
