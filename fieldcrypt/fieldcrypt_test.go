package fieldcrypt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/fieldkey/internal/util"
	"github.com/jmcleod/fieldkey/keyring"
	"github.com/jmcleod/fieldkey/secretsource"
)

func newTestCipher(t *testing.T) (*Cipher, *keyring.Keyring) {
	t.Helper()
	kr := keyring.New(secretsource.NewDevelopment("fieldcrypt-test"))
	return NewCipher(kr), kr
}

func TestRoundTrip(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()

	for _, s := range []string{"", "Jane Doe", "jane@example.com", "Zoë Ñandú 東京", strings.Repeat("x", 4096)} {
		for _, owner := range []string{"", "U1", "profile-42"} {
			env, err := c.Encrypt(ctx, owner, 1, s)
			require.NoError(t, err)
			got, ok := c.Decrypt(ctx, owner, env)
			require.True(t, ok, "owner=%q value=%q", owner, s)
			assert.Equal(t, s, got)
		}
	}
}

func TestEnvelopeShape(t *testing.T) {
	c, _ := newTestCipher(t)
	env, err := c.Encrypt(context.Background(), "U1", 3, "Jane Doe")
	require.NoError(t, err)

	parsed, err := ParseEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, FormatV1, parsed.Format)
	assert.Equal(t, 3, parsed.KeyVersion)
	assert.Len(t, parsed.Nonce, util.GCMNonceSize)
	assert.Len(t, parsed.Ciphertext, len("Jane Doe")+util.GCMTagSize)

	raw, err := base64.StdEncoding.DecodeString(env)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), `{"v":1,"ver":3,"nonce":"`), string(raw))

	v, err := EmbeddedVersion(env)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestNonceUniqueness(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()
	seen := make(map[string]struct{}, 10000)

	for i := 0; i < 10000; i++ {
		env, err := c.Encrypt(ctx, "U1", 1, "same plaintext")
		require.NoError(t, err)
		parsed, err := ParseEnvelope(env)
		require.NoError(t, err)
		n := string(parsed.Nonce)
		if _, dup := seen[n]; dup {
			t.Fatalf("nonce reused after %d encryptions", i)
		}
		seen[n] = struct{}{}
	}
}

func TestTamperDetection(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()
	env, err := c.Encrypt(ctx, "U1", 1, "Jane Doe")
	require.NoError(t, err)
	parsed, err := ParseEnvelope(env)
	require.NoError(t, err)

	for i := 0; i < len(parsed.Ciphertext)*8; i++ {
		tampered := *parsed
		tampered.Ciphertext = util.CopyBytes(parsed.Ciphertext)
		tampered.Ciphertext[i/8] ^= 1 << (i % 8)
		s, err := tampered.Marshal()
		require.NoError(t, err)

		got, ok := c.Decrypt(ctx, "U1", s)
		assert.False(t, ok, "bit %d flip was not detected", i)
		assert.Empty(t, got)
	}

	nonceFlip := *parsed
	nonceFlip.Nonce = util.CopyBytes(parsed.Nonce)
	nonceFlip.Nonce[0] ^= 0x80
	s, _ := nonceFlip.Marshal()
	_, ok := c.Decrypt(ctx, "U1", s)
	assert.False(t, ok)
}

func TestOwnerIsolation(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()
	env, err := c.Encrypt(ctx, "ownerA", 1, "secret")
	require.NoError(t, err)

	_, ok := c.Decrypt(ctx, "ownerB", env)
	assert.False(t, ok)
	_, ok = c.Decrypt(ctx, "", env)
	assert.False(t, ok)

	_, err = c.Open(ctx, "ownerB", env, 0)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPinnedVersion(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()
	env, err := c.Encrypt(ctx, "U1", 2, "value")
	require.NoError(t, err)

	got, ok := c.DecryptVersion(ctx, "U1", env, 2)
	require.True(t, ok)
	assert.Equal(t, "value", got)

	_, ok = c.DecryptVersion(ctx, "U1", env, 1)
	assert.False(t, ok)
}

func TestMalformedEnvelopes(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()

	cases := map[string]string{
		"empty":          "",
		"not base64":     "%%%not-base64%%%",
		"not json":       base64.StdEncoding.EncodeToString([]byte("hello")),
		"unknown format": base64.StdEncoding.EncodeToString([]byte(`{"v":2,"ver":1,"nonce":"","ct":""}`)),
		"short nonce":    base64.StdEncoding.EncodeToString([]byte(`{"v":1,"ver":1,"nonce":"AAAA","ct":"AAAAAAAAAAAAAAAAAAAAAA=="}`)),
		"negative ver":   base64.StdEncoding.EncodeToString([]byte(`{"v":1,"ver":-1,"nonce":"","ct":""}`)),
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := c.Decrypt(ctx, "U1", env)
			assert.False(t, ok)
			assert.Empty(t, got)
			_, err := c.Open(ctx, "U1", env, 0)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}

	_, err := ParseEnvelope(cases["unknown format"])
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

// Envelopes written by the previous service use spaced JSON and may omit
// the key version.
func TestLegacyEnvelope(t *testing.T) {
	c, kr := newTestCipher(t)
	ctx := context.Background()

	seal := func(version int) (string, string) {
		key, err := kr.Derive(ctx, "U1", version)
		require.NoError(t, err)
		nonce, ct, err := util.SealAESGCM([]byte("legacy"), key, nil)
		require.NoError(t, err)
		return base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(ct)
	}

	n, ct := seal(2)
	spaced := fmt.Sprintf(`{"v": 1, "ver": 2, "nonce": "%s", "ct": "%s"}`, n, ct)
	got, ok := c.Decrypt(ctx, "U1", base64.StdEncoding.EncodeToString([]byte(spaced)))
	require.True(t, ok)
	assert.Equal(t, "legacy", got)

	n, ct = seal(1)
	noVersion := fmt.Sprintf(`{"v": 1, "nonce": "%s", "ct": "%s"}`, n, ct)
	got, ok = c.Decrypt(ctx, "U1", base64.StdEncoding.EncodeToString([]byte(noVersion)))
	require.True(t, ok)
	assert.Equal(t, "legacy", got)
}

func TestNullable(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()

	out, err := c.EncryptNullable(ctx, "U1", 1, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, c.DecryptNullable(ctx, "U1", nil))
	empty := ""
	assert.Nil(t, c.DecryptNullable(ctx, "U1", &empty))

	v := "present"
	out, err = c.EncryptNullable(ctx, "U1", 1, &v)
	require.NoError(t, err)
	require.NotNil(t, out)
	got := c.DecryptNullable(ctx, "U1", out)
	require.NotNil(t, got)
	assert.Equal(t, v, *got)

	bad := "garbage"
	assert.Nil(t, c.DecryptNullable(ctx, "U1", &bad))
}

func TestEncryptInvalidVersion(t *testing.T) {
	c, _ := newTestCipher(t)
	_, err := c.Encrypt(context.Background(), "U1", 0, "x")
	assert.ErrorIs(t, err, keyring.ErrInvalidVersion)
}

func TestHashForLookup(t *testing.T) {
	// base64(SHA-256("abc"))
	assert.Equal(t, "ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0=", HashForLookup("abc"))
	assert.Equal(t, HashForLookup("a@b.c"), HashForLookup("a@b.c"))
	assert.NotEqual(t, HashForLookup("A@b.c"), HashForLookup("a@b.c"))

	assert.Equal(t, HashForLookupNormalized(" Jane@Example.COM "), HashForLookupNormalized("jane@example.com"))
	assert.Equal(t, HashForLookup("jane@example.com"), HashForLookupNormalized("JANE@example.com"))
}

func TestConcurrentUse(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%d", i%4)
			want := fmt.Sprintf("value-%d", i)
			env, err := c.Encrypt(ctx, owner, 1, want)
			if !assert.NoError(t, err) {
				return
			}
			got, ok := c.Decrypt(ctx, owner, env)
			assert.True(t, ok)
			assert.Equal(t, want, got)
		}(i)
	}
	wg.Wait()
}

type fixedVersions struct {
	mu      sync.Mutex
	current map[string]int
	calls   int
}

func (f *fixedVersions) ActiveVersion(_ context.Context, owner string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.current[owner]
	if !ok {
		return 0, errors.New("no active key")
	}
	return v, nil
}

func (f *fixedVersions) set(owner string, v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[owner] = v
}

func TestProtectorRotationScenario(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()
	versions := &fixedVersions{current: map[string]int{"U1": 1}}
	p := NewProtector(c, versions)

	e1, err := p.Encrypt(ctx, "U1", "Jane Doe")
	require.NoError(t, err)
	v, _ := EmbeddedVersion(e1)
	assert.Equal(t, 1, v)

	versions.set("U1", 2)

	got, ok := p.Decrypt(ctx, "U1", e1)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", got)

	e2, err := p.Encrypt(ctx, "U1", "Jane Doe")
	require.NoError(t, err)
	v, _ = EmbeddedVersion(e2)
	assert.Equal(t, 2, v)

	needs, err := p.NeedsRotation(ctx, "U1", e1)
	require.NoError(t, err)
	assert.True(t, needs)
	needs, err = p.NeedsRotation(ctx, "U1", e2)
	require.NoError(t, err)
	assert.False(t, needs)

	moved, rotated, err := p.Reencrypt(ctx, "U1", e1)
	require.NoError(t, err)
	assert.True(t, rotated)
	v, _ = EmbeddedVersion(moved)
	assert.Equal(t, 2, v)
	got, ok = p.Decrypt(ctx, "U1", moved)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", got)

	same, rotated, err := p.Reencrypt(ctx, "U1", e2)
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, e2, same)
}

func TestProtectorNoActiveKey(t *testing.T) {
	c, _ := newTestCipher(t)
	p := NewProtector(c, &fixedVersions{current: map[string]int{}})
	_, err := p.Encrypt(context.Background(), "nobody", "x")
	assert.Error(t, err)
}
