// Package kms abstracts the master layer of the envelope scheme: wrapping
// and unwrapping per-record session keys. Backends range from a local
// master-secret cipher to external key-management services, so deployments
// can move the root of trust out of process without touching the vault code.
package kms

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"

	"github.com/copyflow/custody/internal/crypto"
)

// Provider wraps and unwraps session keys at the master layer.
type Provider interface {
	// Encrypt wraps data under the master key.
	Encrypt(ctx context.Context, data []byte) ([]byte, error)

	// Decrypt unwraps data wrapped by Encrypt.
	Decrypt(ctx context.Context, wrapped []byte) ([]byte, error)

	// Name returns the provider name (e.g. "local", "aws-kms", "vault")
	Name() string
}

// Supported provider names
const (
	ProviderLocal  = "local"
	ProviderAWSKMS = "aws-kms"
	ProviderVault  = "vault"
)

// Config contains configuration for master key providers
type Config struct {
	// Provider selects the backend: local, aws-kms or vault
	Provider string

	// Local provider config. MasterSecret must be at least 32 bytes;
	// it is stretched through the envelope cipher's KDF before use.
	MasterSecret []byte

	// AWS KMS config
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault config
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// New constructs the provider named in cfg.Provider.
func New(cfg *Config) (Provider, error) {
	switch cfg.Provider {
	case "", ProviderLocal:
		return NewLocalProvider(cfg.MasterSecret)
	case ProviderAWSKMS:
		return NewAWSKMSProvider(cfg.AWSKMSKeyID, cfg.AWSKMSRegion)
	case ProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unknown master key provider: %s", cfg.Provider)
	}
}

// localKeySalt fixes the KDF salt for the master layer. Changing it is a
// breaking change for every stored session-key ciphertext.
var localKeySalt = []byte("custody-master-key-v1")

// LocalProvider implements Provider with the in-process master secret.
// The secret is stretched through PBKDF2 once at construction; the raw
// secret is never used as a cipher key.
type LocalProvider struct {
	masterKey []byte
}

// NewLocalProvider creates a local provider from the configured master secret.
func NewLocalProvider(masterSecret []byte) (*LocalProvider, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes, got %d", len(masterSecret))
	}

	return &LocalProvider{
		masterKey: crypto.DeriveKey(masterSecret, localKeySalt),
	}, nil
}

// Encrypt wraps data under the derived master key.
func (p *LocalProvider) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	return crypto.Encrypt(data, p.masterKey)
}

// Decrypt unwraps data under the derived master key.
func (p *LocalProvider) Decrypt(_ context.Context, wrapped []byte) ([]byte, error) {
	return crypto.Decrypt(wrapped, p.masterKey)
}

// Name returns the provider name
func (p *LocalProvider) Name() string {
	return ProviderLocal
}

// AWSKMSProvider implements Provider using AWS KMS
type AWSKMSProvider struct {
	keyID  string
	client *awskms.Client
}

// NewAWSKMSProvider creates a new AWS KMS provider.
// Credentials come from the default chain: env vars, shared config, IAM role.
func NewAWSKMSProvider(keyID, region string) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMSProvider{
		keyID:  keyID,
		client: awskms.NewFromConfig(cfg),
	}, nil
}

// Encrypt wraps data using AWS KMS
func (p *AWSKMSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: data,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

// Decrypt unwraps data using AWS KMS
func (p *AWSKMSProvider) Decrypt(ctx context.Context, wrapped []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

// Name returns the provider name
func (p *AWSKMSProvider) Name() string {
	return ProviderAWSKMS
}

// VaultProvider implements Provider using the HashiCorp Vault Transit engine
type VaultProvider struct {
	client     *vault.Client
	transitKey string
}

// NewVaultProvider creates a new Vault Transit provider
func NewVaultProvider(address, token, transitKey string) (*VaultProvider, error) {
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("vault transit key name is required")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultProvider{
		client:     client,
		transitKey: transitKey,
	}, nil
}

// Encrypt wraps data using the Vault Transit engine
func (p *VaultProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/encrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit encrypt failed: %w", err)
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault transit encrypt returned no ciphertext")
	}

	// Transit ciphertexts are opaque "vault:vN:..." strings
	return []byte(ciphertext), nil
}

// Decrypt unwraps data using the Vault Transit engine
func (p *VaultProvider) Decrypt(ctx context.Context, wrapped []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/decrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt failed: %w", err)
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault transit decrypt returned no plaintext")
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault plaintext: %w", err)
	}

	return plaintext, nil
}

// Name returns the provider name
func (p *VaultProvider) Name() string {
	return ProviderVault
}
