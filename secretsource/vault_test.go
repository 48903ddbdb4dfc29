package secretsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	vault "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	mu      sync.Mutex
	data    map[string]map[string]any
	version int
	token   string
}

func versionMetadata(v int) map[string]any {
	return map[string]any{
		"created_time":    "2024-03-22T02:24:06.945319214Z",
		"custom_metadata": nil,
		"deletion_time":   "",
		"destroyed":       false,
		"version":         v,
	}
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = r.Header.Get("X-Vault-Token")
	w.Header().Set("Content-Type", "application/json")

	if path, ok := strings.CutPrefix(r.URL.Path, "/v1/secret/metadata/"); ok {
		if _, found := f.data[path]; !found {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"current_version": f.version,
			"custom_metadata": nil,
			"versions":        map[string]any{},
		}})
		return
	}

	path, ok := strings.CutPrefix(r.URL.Path, "/v1/secret/data/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[]}`))
		return
	}

	switch r.Method {
	case http.MethodGet:
		d, found := f.data[path]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"data":     d,
			"metadata": versionMetadata(f.version),
		}})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]any `json:"data"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.version++
		f.data[path] = body.Data
		json.NewEncoder(w).Encode(map[string]any{"data": versionMetadata(f.version)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestVault(t *testing.T, seed map[string]map[string]any) (*Vault, *fakeKV) {
	t.Helper()
	kv := &fakeKV{data: seed}
	if kv.data == nil {
		kv.data = map[string]map[string]any{}
	}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)

	cfg := vault.DefaultConfig()
	cfg.Address = srv.URL
	cfg.MaxRetries = 0
	client, err := vault.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken("test-token")
	return NewVaultFromClient(client, "", ""), kv
}

func TestVault(t *testing.T) {
	ctx := context.Background()

	t.Run("reads key field", func(t *testing.T) {
		src, kv := newTestVault(t, map[string]map[string]any{
			DefaultVaultSecretPath: {"key": "vault-secret"},
		})
		got, err := src.MasterSecret(ctx)
		require.NoError(t, err)
		want, _ := Normalize("vault-secret")
		assert.Equal(t, want, got)
		assert.Equal(t, "test-token", kv.token)
		assert.Equal(t, KindVault, src.Kind())
	})

	t.Run("missing secret", func(t *testing.T) {
		src, _ := newTestVault(t, nil)
		_, err := src.MasterSecret(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing key field", func(t *testing.T) {
		src, _ := newTestVault(t, map[string]map[string]any{
			DefaultVaultSecretPath: {"other": "x"},
		})
		_, err := src.MasterSecret(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rotate writes new value", func(t *testing.T) {
		src, kv := newTestVault(t, map[string]map[string]any{
			DefaultVaultSecretPath: {"key": "old"},
		})
		rotated, err := src.RotateMasterSecret(ctx)
		require.NoError(t, err)

		stored, _ := kv.data[DefaultVaultSecretPath]["key"].(string)
		require.NotEmpty(t, stored)
		want, _ := Normalize(stored)
		assert.Equal(t, want, rotated)

		current, err := src.MasterSecret(ctx)
		require.NoError(t, err)
		assert.Equal(t, rotated, current)
	})
}
