package awsclient

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
)

func TestCache_LoadsOncePerRegion(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	loads := map[string]int{}
	c := NewCache(Options{})
	c.load = func(_ context.Context, region string) (aws.Config, error) {
		mu.Lock()
		loads[region]++
		mu.Unlock()
		return aws.Config{Region: region}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Config(context.Background(), "ap-northeast-1"); err != nil {
				t.Errorf("config: %v", err)
			}
		}()
	}
	wg.Wait()

	cfg, err := c.Config(context.Background(), "us-east-1")
	if err != nil || cfg.Region != "us-east-1" {
		t.Fatalf("unexpected config %+v %v", cfg, err)
	}
	if loads["ap-northeast-1"] != 1 || loads["us-east-1"] != 1 {
		t.Fatalf("expected one load per region, got %v", loads)
	}
}

func TestCache_FailuresAreNotCached(t *testing.T) {
	t.Parallel()

	fail := true
	calls := 0
	c := NewCache(Options{})
	c.load = func(_ context.Context, region string) (aws.Config, error) {
		calls++
		if fail {
			return aws.Config{}, errors.New("no credentials")
		}
		return aws.Config{Region: region}, nil
	}

	if _, err := c.S3(context.Background(), "ap-northeast-1"); err == nil {
		t.Fatalf("expected load error")
	}
	fail = false
	if _, err := c.BedrockRuntime(context.Background(), "ap-northeast-1"); err != nil {
		t.Fatalf("expected success after failure, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the failed load to be retried, got %d calls", calls)
	}
}

func TestCache_LocalEndpoint(t *testing.T) {
	t.Parallel()

	c := NewCache(Options{Endpoint: "http://localhost:4566"})
	cfg, err := c.Config(context.Background(), "ap-northeast-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.BaseEndpoint == nil || *cfg.BaseEndpoint != "http://localhost:4566" {
		t.Fatalf("expected base endpoint, got %v", cfg.BaseEndpoint)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil || creds.AccessKeyID != "test" {
		t.Fatalf("expected static test credentials, got %+v %v", creds, err)
	}
	if _, err := c.SSM(context.Background(), "ap-northeast-1"); err != nil {
		t.Fatalf("ssm: %v", err)
	}
}
