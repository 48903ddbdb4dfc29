package secretsource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsManager struct {
	secrets map[string]string
	gets    int
	failPut error
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.gets++
	s, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(s)}, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	f.secrets[aws.ToString(in.SecretId)] = aws.ToString(in.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.secrets[aws.ToString(in.Name)] = aws.ToString(in.SecretString)
	return &secretsmanager.CreateSecretOutput{}, nil
}

func TestAWSSecretsManager(t *testing.T) {
	ctx := context.Background()

	t.Run("reads and caches", func(t *testing.T) {
		fake := &fakeSecretsManager{secrets: map[string]string{
			DefaultAWSSecretName: `{"key":"stored-secret"}`,
		}}
		src := NewAWSSecretsManager(fake, "")

		a, err := src.MasterSecret(ctx)
		require.NoError(t, err)
		b, err := src.MasterSecret(ctx)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, 1, fake.gets)

		want, _ := Normalize("stored-secret")
		assert.Equal(t, want, a)
	})

	t.Run("missing secret", func(t *testing.T) {
		src := NewAWSSecretsManager(&fakeSecretsManager{secrets: map[string]string{}}, "absent")
		_, err := src.MasterSecret(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing key field", func(t *testing.T) {
		fake := &fakeSecretsManager{secrets: map[string]string{"s": `{"other":"x"}`}}
		_, err := NewAWSSecretsManager(fake, "s").MasterSecret(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rotate writes and refreshes cache", func(t *testing.T) {
		fake := &fakeSecretsManager{secrets: map[string]string{"s": `{"key":"old"}`}}
		src := NewAWSSecretsManager(fake, "s")
		old, err := src.MasterSecret(ctx)
		require.NoError(t, err)

		rotated, err := src.RotateMasterSecret(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, old, rotated)

		var stored map[string]string
		require.NoError(t, json.Unmarshal([]byte(fake.secrets["s"]), &stored))
		want, _ := Normalize(stored["key"])
		assert.Equal(t, want, rotated)

		current, err := src.MasterSecret(ctx)
		require.NoError(t, err)
		assert.Equal(t, rotated, current)
	})

	t.Run("rotate failure keeps cache", func(t *testing.T) {
		fake := &fakeSecretsManager{secrets: map[string]string{"s": `{"key":"old"}`}, failPut: errors.New("denied")}
		src := NewAWSSecretsManager(fake, "s")
		old, _ := src.MasterSecret(ctx)
		_, err := src.RotateMasterSecret(ctx)
		require.Error(t, err)
		current, _ := src.MasterSecret(ctx)
		assert.Equal(t, old, current)
	})

	t.Run("create", func(t *testing.T) {
		fake := &fakeSecretsManager{secrets: map[string]string{}}
		src := NewAWSSecretsManager(fake, "new")
		created, err := src.CreateMasterSecret(ctx)
		require.NoError(t, err)
		assert.Len(t, created, SecretSize)
		assert.Contains(t, fake.secrets, "new")
	})
}

type fakeKMS struct {
	keyID string
	err   error
}

func (f *fakeKMS) EnableKeyRotation(_ context.Context, in *kms.EnableKeyRotationInput, _ ...func(*kms.Options)) (*kms.EnableKeyRotationOutput, error) {
	f.keyID = aws.ToString(in.KeyId)
	if f.err != nil {
		return nil, f.err
	}
	return &kms.EnableKeyRotationOutput{}, nil
}

func TestAWSKMS(t *testing.T) {
	ctx := context.Background()
	fake := &fakeKMS{}
	src := NewAWSKMS(fake, "alias/fieldkey")

	_, err := src.MasterSecret(ctx)
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = src.RotateMasterSecret(ctx)
	assert.ErrorIs(t, err, ErrRotationScheduled)
	assert.Equal(t, "alias/fieldkey", fake.keyID)

	fake.err = errors.New("access denied")
	_, err = src.RotateMasterSecret(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRotationScheduled)
}
