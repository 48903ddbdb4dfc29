package adminapi_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/fieldkey/adminapi"
	"github.com/jmcleod/fieldkey/auditlog"
	"github.com/jmcleod/fieldkey/fieldcrypt"
	"github.com/jmcleod/fieldkey/health"
	"github.com/jmcleod/fieldkey/keyring"
	"github.com/jmcleod/fieldkey/registry"
	"github.com/jmcleod/fieldkey/rotation"
	"github.com/jmcleod/fieldkey/secretsource"
	"github.com/jmcleod/fieldkey/storage/memory"
)

type server struct {
	*httptest.Server
	keys *keyring.Keyring
}

func setupServer(t *testing.T, sampler rotation.Sampler, opts ...adminapi.Option) *server {
	t.Helper()
	return setupServerWithKeys(t, keyring.New(secretsource.NewDevelopment("adminapi-test-seed")), sampler, opts...)
}

func setupServerWithKeys(t *testing.T, keys *keyring.Keyring, sampler rotation.Sampler, opts ...adminapi.Option) *server {
	t.Helper()
	repo := memory.NewRepository()
	trail := auditlog.NewStoreSink(repo, nil)
	reg := prometheus.NewRegistry()

	orchOpts := []rotation.Option{rotation.WithAuditSink(auditlog.Multi(trail, health.NewEventCounter(reg)))}
	if sampler != nil {
		orchOpts = append(orchOpts, rotation.WithSampler(sampler))
	}
	orch := rotation.New(registry.New(repo), keys, orchOpts...)
	mon := health.NewMonitor(orch)
	reg.MustRegister(health.NewCollector(mon, health.Options{}))

	base := []adminapi.Option{
		adminapi.WithAuditTrail(trail),
		adminapi.WithMetrics(reg),
		adminapi.WithCompleteOptions(rotation.CompleteOptions{}),
	}
	a := adminapi.New(orch, mon, append(base, opts...)...)
	r := chi.NewRouter()
	r.Mount("/api", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{Server: srv, keys: keys}
}

func doJSON(t *testing.T, method, url string, body any, headers ...string) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func provision(t *testing.T, srv *server, owner string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/owners/"+owner+"/keys", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func startRotation(t *testing.T, srv *server, owner string, body adminapi.StartRotationRequest) rotation.Record {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/owners/"+owner+"/rotations", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[rotation.Record](t, resp)
}

func TestProvisionAndStatus(t *testing.T) {
	srv := setupServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/owners/U1/keys",
		adminapi.ProvisionRequest{InitiatedBy: "ops@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	prov := decode[adminapi.ProvisionResponse](t, resp)
	assert.True(t, prov.Created)
	assert.Equal(t, 1, prov.Key.Version)
	assert.True(t, prov.Key.Active)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/owners/U1/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[adminapi.ProvisionResponse](t, resp).Created)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/owners/U1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[rotation.OwnerStatus](t, resp)
	assert.Equal(t, 1, st.ActiveVersion)
	assert.Equal(t, registry.Fingerprint("U1", 1), st.Fingerprint)
	assert.Nil(t, st.InProgress)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/owners/nobody/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRotationLifecycle(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")

	rec := startRotation(t, srv, "U1", adminapi.StartRotationRequest{Reason: "policy"})
	assert.Equal(t, rotation.StatusInProgress, rec.Status)
	assert.Equal(t, rotation.ReasonPolicy, rec.Reason)
	assert.Equal(t, 1, rec.OldVersion)
	assert.Equal(t, 2, rec.NewVersion)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/owners/U1/status", nil)
	st := decode[rotation.OwnerStatus](t, resp)
	require.NotNil(t, st.InProgress)
	assert.Equal(t, rec.ID, st.InProgress.ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/rotations/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rec.ID, decode[rotation.Record](t, resp).ID)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/rotations/"+rec.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[rotation.Record](t, resp)
	assert.Equal(t, rotation.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/rotations/"+rec.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/owners/U1/status", nil)
	assert.Equal(t, 2, decode[rotation.OwnerStatus](t, resp).ActiveVersion)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/owners/U1/rotations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[adminapi.RecordListResponse](t, resp)
	assert.Equal(t, 1, list.TotalCount)
	assert.False(t, list.HasMore)
}

func TestStartWithComplete(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")

	rec := startRotation(t, srv, "U1", adminapi.StartRotationRequest{Complete: true, InitiatedBy: "cron"})
	assert.Equal(t, rotation.StatusCompleted, rec.Status)
	assert.Equal(t, "cron", rec.InitiatedBy)
}

func TestInitiatorHeader(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/owners/U1/rotations", nil, "X-Initiated-By", "deploy-bot")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "deploy-bot", decode[rotation.Record](t, resp).InitiatedBy)
}

func TestDryRunAndDiscard(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")

	rec := startRotation(t, srv, "U1", adminapi.StartRotationRequest{DryRun: true, Complete: true})
	assert.Equal(t, rotation.StatusPending, rec.Status)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/rotations/"+rec.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/rotations/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	live := startRotation(t, srv, "U1", adminapi.StartRotationRequest{})
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/rotations/"+live.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRollback(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")
	rec := startRotation(t, srv, "U1", adminapi.StartRotationRequest{Complete: true})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rotations/"+rec.ID+"/rollback", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rolled := decode[rotation.Record](t, resp)
	assert.Equal(t, rotation.StatusFailed, rolled.Status)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/owners/U1/status", nil)
	assert.Equal(t, 1, decode[rotation.OwnerStatus](t, resp).ActiveVersion)
}

func TestRotationErrors(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")
	startRotation(t, srv, "U1", adminapi.StartRotationRequest{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"conflict", http.MethodPost, "/api/v1/owners/U1/rotations", adminapi.StartRotationRequest{}, http.StatusConflict},
		{"unknown reason", http.MethodPost, "/api/v1/owners/U1/rotations", adminapi.StartRotationRequest{Reason: "whim"}, http.StatusBadRequest},
		{"no active key", http.MethodPost, "/api/v1/owners/nobody/rotations", nil, http.StatusNotFound},
		{"unknown record", http.MethodGet, "/api/v1/rotations/not-a-uuid", nil, http.StatusNotFound},
		{"unknown field", http.MethodPost, "/api/v1/owners/U2/keys", map[string]string{"owner": "U3"}, http.StatusBadRequest},
		{"bad reason for all", http.MethodPost, "/api/v1/rotations", adminapi.RotateAllRequest{Reason: "whim"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, decode[adminapi.ErrorResponse](t, resp).Error)
		})
	}
}

func TestVerificationFailure(t *testing.T) {
	var srv *server
	sampler := rotation.SamplerFunc(func(ctx context.Context, owner string, limit int) ([]string, error) {
		// Written under v2 for another owner, so it cannot open as U1.
		bad, err := fieldcrypt.NewCipher(srv.keys).Encrypt(ctx, "U2", 2, "Jane Doe")
		if err != nil {
			return nil, err
		}
		return []string{bad}, nil
	})
	srv = setupServer(t, sampler)
	provision(t, srv, "U1")

	verify := true
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/owners/U1/rotations", adminapi.StartRotationRequest{
		Complete:      true,
		VerifyOptions: adminapi.VerifyOptions{VerifySample: &verify, SampleSize: 3},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[adminapi.ErrorResponse](t, resp)
	assert.Contains(t, body.Error, "verification")
	require.NotNil(t, body.Record)
	assert.Equal(t, rotation.StatusFailed, body.Record.Status)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/rotations?status=FAILED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[adminapi.RecordListResponse](t, resp).TotalCount)
}

func TestRotateAll(t *testing.T) {
	srv := setupServer(t, nil)
	for _, owner := range []string{"U1", "U2", "U3"} {
		provision(t, srv, owner)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rotations", adminapi.RotateAllRequest{Reason: "emergency"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[adminapi.RotateAllResponse](t, resp)
	assert.Equal(t, 3, out.Succeeded)
	assert.Zero(t, out.Failed)
	for _, o := range out.Outcomes {
		require.NotNil(t, o.Record)
		assert.Equal(t, rotation.StatusCompleted, o.Record.Status)
		assert.Equal(t, rotation.ReasonEmergency, o.Record.Reason)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/rotations?limit=2", nil)
	list := decode[adminapi.RecordListResponse](t, resp)
	assert.Len(t, list.Records, 2)
	assert.Equal(t, 3, list.TotalCount)
	assert.True(t, list.HasMore)
}

func TestRotateMasterUnsupported(t *testing.T) {
	srv := setupServer(t, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/master/rotate", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestRotateMasterPending(t *testing.T) {
	lookup := func(string) (string, bool) { return "an-environment-master-secret", true }
	srv := setupServerWithKeys(t, keyring.New(secretsource.NewEnv("", lookup)), nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/master/rotate", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decode[adminapi.RotateMasterResponse](t, resp)
	assert.True(t, out.Pending)
	assert.False(t, out.Scheduled)
	raw, err := base64.StdEncoding.DecodeString(out.Secret)
	require.NoError(t, err)
	assert.Len(t, raw, secretsource.SecretSize)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[adminapi.AuditListResponse](t, resp)
	require.Len(t, events.Events, 1)
	assert.Equal(t, auditlog.ActionMasterRotationPending, events.Events[0].Action)
}

func TestProvisionMaster(t *testing.T) {
	srv := setupServer(t, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/master/keys", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	prov := decode[adminapi.ProvisionResponse](t, resp)
	assert.True(t, prov.Key.Master)
	assert.Empty(t, prov.Key.Owner)
}

func TestHealth(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health?owner=U1&warn_days=7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[adminapi.HealthResponse](t, resp)
	assert.False(t, rep.Healthy, "development secret is never healthy")
	require.NotNil(t, rep.Report)
	assert.True(t, rep.Development)
	assert.Equal(t, 1, rep.ActiveKeys)
	require.NotNil(t, rep.Owner)
	assert.Equal(t, 1, rep.Owner.ActiveVersion)

	for _, bad := range []string{"soon", "0", "-3"} {
		resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/health?warn_days="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "warn_days=%s", bad)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/health?owner=nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditTrail(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")
	provision(t, srv, "U2")
	startRotation(t, srv, "U1", adminapi.StartRotationRequest{Complete: true})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/audit?owner=U1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[adminapi.AuditListResponse](t, resp).Events
	require.NotEmpty(t, events)
	actions := make([]auditlog.Action, 0, len(events))
	for _, evt := range events {
		assert.Equal(t, "U1", evt.Owner)
		actions = append(actions, evt.Action)
	}
	assert.Contains(t, actions, auditlog.ActionKeyProvisioned)
	assert.Contains(t, actions, auditlog.ActionRotationCompleted)
}

func TestMetrics(t *testing.T) {
	srv := setupServer(t, nil)
	provision(t, srv, "U1")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fieldkey_keys_active 1")
	assert.Contains(t, string(body), "fieldkey_key_events_total")
}

func TestTokenAuth(t *testing.T) {
	srv := setupServer(t, nil, adminapi.WithToken("s3cret"))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for range 5 {
		resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil, "Authorization", "Bearer wrong")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t, nil)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/healthz", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))
}
