package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/fieldkey/storage"
	"github.com/jmcleod/fieldkey/storage/memory"
)

func TestStamp(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	var evt Event
	evt.Stamp(now)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, time.UTC, evt.At.Location())

	id := evt.ID
	evt.Stamp(now.Add(time.Hour))
	assert.Equal(t, id, evt.ID)
	assert.True(t, evt.At.Equal(now))
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewSlogSink(logger)

	evt := sampleEvent()
	evt.Error = "verification failed"
	require.NoError(t, sink.Record(context.Background(), evt))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "rotation_completed", line["event"])
	assert.Equal(t, "U1", line["owner"])
	assert.Equal(t, float64(2), line["new_version"])
	assert.Equal(t, "verification failed", line["error"])
}

func TestStoreSink(t *testing.T) {
	ctx := context.Background()
	sink := NewStoreSink(memory.NewRepository(), nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, owner := range []string{"U1", "U2", "U1"} {
		require.NoError(t, sink.Record(ctx, Event{
			Owner:  owner,
			Action: ActionRotationStarted,
			At:     base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := sink.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].At.After(all[1].At))
	assert.True(t, all[1].At.After(all[2].At))

	u1, err := sink.List(ctx, "U1", 0)
	require.NoError(t, err)
	require.Len(t, u1, 2)
	assert.Equal(t, base.Add(2*time.Hour), u1[0].At)

	limited, err := sink.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Recording the same ID twice is rejected.
	dup := all[0]
	assert.Error(t, sink.Record(ctx, dup))
}

func TestStoreSinkCorruptEvent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	var buf bytes.Buffer
	sink := NewStoreSink(repo, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, sink.Record(ctx, Event{Owner: "U1", Action: ActionRotationStarted}))
	require.NoError(t, repo.Put(Scope, eventKind, "broken", &storage.Document{Body: []byte("{not json")}))

	events, err := sink.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "U1", events[0].Owner)
	assert.Contains(t, buf.String(), "skipping corrupt audit event")
	assert.Contains(t, buf.String(), "id=broken")
}

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Record(_ context.Context, evt Event) error {
	r.events = append(r.events, evt)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b failed")}
	c := &recordingSink{}

	err := Multi(a, b, c).Record(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "b failed")
	assert.Len(t, a.events, 1)
	assert.Len(t, c.events, 1)

	assert.NoError(t, Multi(a, c).Record(context.Background(), sampleEvent()))
	assert.NoError(t, Discard.Record(context.Background(), sampleEvent()))
}

func TestAlertSink(t *testing.T) {
	var alerts []AlertEvent
	sink := NewAlertSink(func(a AlertEvent) { alerts = append(alerts, a) })
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }
	ctx := context.Background()

	failed := Event{Action: ActionRotationFailed}
	sink.Record(ctx, failed)
	sink.Record(ctx, failed)
	assert.Empty(t, alerts)

	// Failures outside the window are forgotten.
	now = now.Add(time.Hour)
	sink.Record(ctx, failed)
	sink.Record(ctx, failed)
	assert.Empty(t, alerts)

	sink.Record(ctx, failed)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRotationFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)

	sink.Record(ctx, Event{Action: ActionRotationCompleted})
	assert.Len(t, alerts, 1)

	sink.Record(ctx, Event{Action: ActionMasterRotated})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertMasterRotated, alerts[1].Type)

	// A failed or pending master rotation changed nothing yet.
	sink.Record(ctx, Event{Action: ActionMasterRotated, Error: "operation not supported"})
	sink.Record(ctx, Event{Action: ActionMasterRotationPending})
	assert.Len(t, alerts, 2)

	var nilSink *AlertSink
	assert.NoError(t, nilSink.Record(ctx, failed))
}
