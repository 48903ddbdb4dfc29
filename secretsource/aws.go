package secretsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

const (
	// DefaultAWSRegion is used when no region is configured.
	DefaultAWSRegion = "us-east-1"
	// DefaultAWSSecretName is the Secrets Manager secret holding the master secret.
	DefaultAWSSecretName = "fieldkey/encryption/master-key"
)

// secretField is the JSON field of the stored secret carrying the value, for
// both Secrets Manager and Vault.
const secretField = "key"

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// KMSAPI is the subset of the KMS client used here.
type KMSAPI interface {
	EnableKeyRotation(ctx context.Context, in *kms.EnableKeyRotationInput, optFns ...func(*kms.Options)) (*kms.EnableKeyRotationOutput, error)
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		region = DefaultAWSRegion
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// AWSSecretsManager stores the master secret as the JSON document
// {"key": "<value>"} in AWS Secrets Manager. The value is cached for the
// lifetime of the source.
type AWSSecretsManager struct {
	client SecretsManagerAPI
	name   string

	mu     sync.Mutex
	cached string
}

// NewAWSSecretsManager wraps an existing client.
func NewAWSSecretsManager(client SecretsManagerAPI, secretName string) *AWSSecretsManager {
	if secretName == "" {
		secretName = DefaultAWSSecretName
	}
	return &AWSSecretsManager{client: client, name: secretName}
}

// NewAWSSecretsManagerFromConfig builds a client from the default AWS
// credential chain. endpoint, when set, overrides the service endpoint.
func NewAWSSecretsManagerFromConfig(ctx context.Context, secretName, region, endpoint string) (*AWSSecretsManager, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	client := secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewAWSSecretsManager(client, secretName), nil
}

func (s *AWSSecretsManager) Kind() Kind { return KindAWSSecretsManager }

func (s *AWSSecretsManager) MasterSecret(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return Normalize(s.cached)
	}
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.name),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("secret %q: %w", s.name, ErrNotFound)
		}
		return nil, fmt.Errorf("reading secret %q: %w", s.name, err)
	}
	raw, err := parseSecretJSON(aws.ToString(out.SecretString))
	if err != nil {
		return nil, fmt.Errorf("secret %q: %w", s.name, err)
	}
	s.cached = raw
	return Normalize(raw)
}

func (s *AWSSecretsManager) RotateMasterSecret(ctx context.Context) ([]byte, error) {
	raw, body, err := newSecretDocument()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(s.name),
		SecretString: aws.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("writing secret %q: %w", s.name, err)
	}
	s.cached = raw
	return Normalize(raw)
}

// CreateMasterSecret creates the secret with a fresh random value.
func (s *AWSSecretsManager) CreateMasterSecret(ctx context.Context) ([]byte, error) {
	raw, body, err := newSecretDocument()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(s.name),
		Description:  aws.String("fieldkey master encryption secret"),
		SecretString: aws.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("creating secret %q: %w", s.name, err)
	}
	s.cached = raw
	return Normalize(raw)
}

// AWSKMS delegates rotation to a KMS key. KMS never releases key material, so
// it cannot serve the master secret itself; pair it with Secrets Manager.
type AWSKMS struct {
	client KMSAPI
	keyID  string
}

// NewAWSKMS wraps an existing client.
func NewAWSKMS(client KMSAPI, keyID string) *AWSKMS {
	return &AWSKMS{client: client, keyID: keyID}
}

// NewAWSKMSFromConfig builds a client from the default AWS credential chain.
func NewAWSKMSFromConfig(ctx context.Context, keyID, region, endpoint string) (*AWSKMS, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	client := kms.NewFromConfig(cfg, func(o *kms.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewAWSKMS(client, keyID), nil
}

func (k *AWSKMS) Kind() Kind { return KindAWSKMS }

func (k *AWSKMS) MasterSecret(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("aws-kms does not release key material, use aws-secrets-manager: %w", ErrNotSupported)
}

// RotateMasterSecret enables automatic rotation on the KMS key and returns
// ErrRotationScheduled on success.
func (k *AWSKMS) RotateMasterSecret(ctx context.Context) ([]byte, error) {
	_, err := k.client.EnableKeyRotation(ctx, &kms.EnableKeyRotationInput{
		KeyId: aws.String(k.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("enabling rotation on %q: %w", k.keyID, err)
	}
	return nil, ErrRotationScheduled
}

func parseSecretJSON(s string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}
	raw, _ := doc[secretField].(string)
	if raw == "" {
		return "", fmt.Errorf("%q field missing: %w", secretField, ErrNotFound)
	}
	return raw, nil
}

func newSecretDocument() (raw, body string, err error) {
	raw, err = newSecretString()
	if err != nil {
		return "", "", err
	}
	b, err := json.Marshal(map[string]string{secretField: raw})
	if err != nil {
		return "", "", err
	}
	return raw, string(b), nil
}
