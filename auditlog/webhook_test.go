package auditlog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink(url, auth string) *WebhookSink {
	return newWebhookSink(url, auth, nil, webhookQueueSize, 10*time.Millisecond)
}

func sampleEvent() Event {
	return Event{
		ID:          "evt-1",
		RecordID:    "rec-1",
		Owner:       "U1",
		Action:      ActionRotationCompleted,
		Reason:      "SCHEDULED",
		OldVersion:  1,
		NewVersion:  2,
		InitiatedBy: "ops@example.com",
		At:          time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received Event
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := testSink(srv.URL, "")
	require.NoError(t, wh.Record(context.Background(), sampleEvent()))
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ActionRotationCompleted, received.Action)
	assert.Equal(t, "U1", received.Owner)
	assert.Equal(t, 2, received.NewVersion)
	assert.Equal(t, "ops@example.com", received.InitiatedBy)
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := testSink(srv.URL, "")
	wh.Record(context.Background(), sampleEvent())
	wh.Close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := testSink(srv.URL, "")
	wh.Record(context.Background(), sampleEvent())
	wh.Close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_Headers(t *testing.T) {
	var gotAuth, gotContentType string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := testSink(srv.URL, "Authorization: Bearer my-token-123")
	wh.Record(context.Background(), sampleEvent())
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := newWebhookSink(srv.URL, "", nil, 2, time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			wh.Record(context.Background(), sampleEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestWebhook_GracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := testSink(srv.URL, "")
	for i := 0; i < 5; i++ {
		wh.Record(context.Background(), sampleEvent())
	}
	wh.Close()
	wh.Close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}
