// Package secrets resolves route API-key references. A reference names
// where the key material lives: "env:NAME", "literal:value", or
// "aws-sm:secret-name" for AWS Secrets Manager.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Resolver turns an API-key reference into key material.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ChainResolver dispatches on the reference scheme. An empty reference
// resolves to an empty key (for local backends that need none).
type ChainResolver struct {
	aws *AWSSecretsManager
}

func NewChainResolver(awsResolver *AWSSecretsManager) *ChainResolver {
	return &ChainResolver{aws: awsResolver}
}

func (r *ChainResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value := os.Getenv(name)
		if value == "" {
			return "", fmt.Errorf("env secret %s not set", name)
		}
		return value, nil
	case strings.HasPrefix(ref, "literal:"):
		return strings.TrimPrefix(ref, "literal:"), nil
	case strings.HasPrefix(ref, "aws-sm:"):
		if r.aws == nil {
			return "", fmt.Errorf("aws-sm reference %q but secrets manager not configured", ref)
		}
		return r.aws.GetSecret(ctx, strings.TrimPrefix(ref, "aws-sm:"))
	default:
		return "", fmt.Errorf("unknown secret reference scheme %q", ref)
	}
}

// AWSSecretsManager fetches secrets with a short TTL cache so streaming
// bursts do not hammer the API.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]cachedSecret
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	var value string
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}
