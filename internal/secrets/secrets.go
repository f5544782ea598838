package secrets

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	SchemeEnv  = "env"
	SchemeAWS  = "aws"
	SchemeFile = "file"
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return base64.StdEncoding.EncodeToString(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// FileProvider reads a secret from a file, typically a mounted volume.
type FileProvider struct{}

func NewFile() *FileProvider {
	return &FileProvider{}
}

func (p *FileProvider) Get(_ context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrInvalidConfig)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, path)
	}
	return v, nil
}

// Resolver dispatches secret references of the form "<scheme>:<key>" to the
// provider registered for that scheme.
type Resolver struct {
	providers map[string]Provider
}

func NewResolver(providers map[string]Provider) (*Resolver, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers", ErrInvalidConfig)
	}
	out := make(map[string]Provider, len(providers))
	for scheme, p := range providers {
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		if scheme == "" || p == nil {
			return nil, fmt.Errorf("%w: empty scheme or nil provider", ErrInvalidConfig)
		}
		out[scheme] = p
	}
	return &Resolver{providers: out}, nil
}

func (r *Resolver) Get(ctx context.Context, ref string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	scheme, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: no provider for scheme %q", ErrInvalidConfig, scheme)
	}
	return p.Get(ctx, key)
}

// ParseRef splits "scheme:key". A reference without a scheme is treated as an
// environment variable name.
func ParseRef(ref string) (scheme, key string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty secret ref", ErrInvalidConfig)
	}
	scheme, key, found := strings.Cut(ref, ":")
	if !found {
		return SchemeEnv, ref, nil
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	key = strings.TrimSpace(key)
	if scheme == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed secret ref", ErrInvalidConfig)
	}
	return scheme, key, nil
}

// DecodeKey decodes fixed-size key material given as hex (optionally 0x
// prefixed) or standard/raw base64. The returned error never includes the
// input value.
func DecodeKey(v string, size int) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" || size <= 0 {
		return nil, fmt.Errorf("%w: empty key material", ErrInvalidConfig)
	}
	if h := strings.TrimPrefix(v, "0x"); len(h) == 2*size {
		if b, err := hex.DecodeString(h); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(v)
		if err != nil {
			continue
		}
		if len(b) != size {
			return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidConfig, size, len(b))
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: key material is neither %d-byte hex nor base64", ErrInvalidConfig, size)
}
