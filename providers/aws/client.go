package aws

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
)

// EC2API is the subset of the EC2 client used by the provider
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// PricingAPI is the subset of the Pricing client used by the provider
type PricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// Options configures the EC2 backend
type Options struct {
	Region          string
	AMINamePattern  string
	KeyName         string
	SecurityGroupID string
	SubnetID        string
	InstanceProfile string
}

// Client is the AWS provider client
type Client struct {
	ec2Client     EC2API
	pricingClient PricingAPI
	opts          Options
}

// NewClient creates a new AWS client from the default credential chain
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, err
	}

	// The price list API is only served from a few regions
	pricingClient := pricing.NewFromConfig(cfg, func(o *pricing.Options) {
		o.Region = "us-east-1"
	})
	return NewClientWithAPIs(ec2.NewFromConfig(cfg), pricingClient, opts), nil
}

// NewClientWithAPIs creates a client over explicit API implementations
func NewClientWithAPIs(ec2Client EC2API, pricingClient PricingAPI, opts Options) *Client {
	if opts.AMINamePattern == "" {
		opts.AMINamePattern = "Deep Learning OSS Nvidia Driver AMI GPU PyTorch*Ubuntu*"
	}
	return &Client{
		ec2Client:     ec2Client,
		pricingClient: pricingClient,
		opts:          opts,
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return "aws"
}
