// Package awsclient lazily builds AWS SDK clients and shares them per region.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Options tune how configurations are loaded.
type Options struct {
	// Endpoint points every client at a local emulator such as LocalStack.
	Endpoint string
	// Static credentials, used only together with Endpoint.
	AccessKeyID     string
	SecretAccessKey string
}

type loadFunc func(ctx context.Context, region string) (aws.Config, error)

// Cache holds one aws.Config per region. A failed load is not cached and is
// retried on the next call.
type Cache struct {
	mu      sync.Mutex
	configs map[string]aws.Config
	load    loadFunc
	local   bool
}

// NewCache returns an empty cache.
func NewCache(opts Options) *Cache {
	return &Cache{
		configs: make(map[string]aws.Config),
		load:    defaultLoader(opts),
		local:   opts.Endpoint != "",
	}
}

func defaultLoader(opts Options) loadFunc {
	return func(ctx context.Context, region string) (aws.Config, error) {
		loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
		if opts.Endpoint != "" {
			key, secret := opts.AccessKeyID, opts.SecretAccessKey
			if key == "" {
				key, secret = "test", "test"
			}
			loadOpts = append(loadOpts,
				config.WithBaseEndpoint(opts.Endpoint),
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")),
			)
		}
		return config.LoadDefaultConfig(ctx, loadOpts...)
	}
}

// Config returns the configuration for region, loading it on first use.
func (c *Cache) Config(ctx context.Context, region string) (aws.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg, ok := c.configs[region]; ok {
		return cfg, nil
	}
	cfg, err := c.load(ctx, region)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config for %s: %w", region, err)
	}
	c.configs[region] = cfg
	return cfg, nil
}

// S3 returns an S3 client for region. Path-style addressing is used against a
// local endpoint.
func (c *Cache) S3(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := c.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = c.local
	}), nil
}

// SSM returns a Systems Manager client for region.
func (c *Cache) SSM(ctx context.Context, region string) (*ssm.Client, error) {
	cfg, err := c.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return ssm.NewFromConfig(cfg), nil
}

// BedrockRuntime returns a Bedrock Runtime client for region.
func (c *Cache) BedrockRuntime(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	cfg, err := c.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}
