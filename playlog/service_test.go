package playlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/model"
	"github.com/641i130/Ayaka/testutil"
)

func TestNew_StartsWorker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nil, zap.NewNop())
	require.NotNil(t, svc)
	svc.Stop(context.Background())
}

func TestRecord_FlushedToDB(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nil, zap.NewNop())

	svc.Record(Entry{
		TraceID:   "trace-123",
		SessionID: "sess-1",
		Title:     "demo",
		Kind:      KindStepped,
		Payload:   map[string]int{"para": 2, "act": 0},
	})

	// Stop flushes remaining events
	svc.Stop(context.Background())

	var rows []model.PlayEvent
	db.Find(&rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "trace-123", rows[0].TraceID)
	assert.Equal(t, "sess-1", rows[0].SessionID)
	assert.Equal(t, "demo", rows[0].Title)
	assert.Equal(t, KindStepped, rows[0].Kind)
	assert.JSONEq(t, `{"para":2,"act":0}`, string(rows[0].Payload))
}

func TestRecord_MultipleEvents(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nil, zap.NewNop())

	for i := 0; i < 10; i++ {
		svc.Record(Entry{SessionID: "sess-1", Kind: KindStepped})
	}

	svc.Stop(context.Background())

	var count int64
	db.Model(&model.PlayEvent{}).Count(&count)
	assert.Equal(t, int64(10), count)
}

func TestRecord_BatchFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nil, zap.NewNop())

	// 100 events trigger an immediate batch flush inside the worker.
	for i := 0; i < 100; i++ {
		svc.Record(Entry{SessionID: "sess-1", Kind: KindStepped})
	}

	svc.Stop(context.Background())

	var count int64
	db.Model(&model.PlayEvent{}).Count(&count)
	assert.GreaterOrEqual(t, count, int64(100))
}

func TestRecord_FeedsCache(t *testing.T) {
	feed, _ := testutil.SetupTestCache(t)
	svc := New(nil, feed, zap.NewNop())

	svc.Record(Entry{SessionID: "sess-1", Kind: KindStepped})
	svc.Record(Entry{SessionID: "sess-1", Kind: KindBacked})
	svc.Record(Entry{SessionID: "sess-2", Kind: KindOpened})
	svc.Stop(context.Background())

	items, err := svc.Recent(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Newest first.
	var first, second struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(items[0], &first))
	require.NoError(t, json.Unmarshal(items[1], &second))
	assert.Equal(t, KindBacked, first.Kind)
	assert.Equal(t, KindStepped, second.Kind)
}

func TestRecord_FeedCapped(t *testing.T) {
	feed, _ := testutil.SetupTestCache(t)
	svc := New(nil, feed, zap.NewNop())

	for i := 0; i < feedCap+20; i++ {
		svc.Record(Entry{SessionID: "sess-1", Kind: KindStepped})
	}
	svc.Stop(context.Background())

	items, err := svc.Recent(context.Background(), "sess-1", feedCap*2)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(items), feedCap)
}

func TestRecord_Disabled(t *testing.T) {
	svc := New(nil, nil, zap.NewNop())

	svc.Record(Entry{SessionID: "sess-1", Kind: KindStepped}) // no-op
	items, err := svc.Recent(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	assert.Nil(t, items)

	svc.Stop(context.Background()) // must not panic
}

func TestStop_Idempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nil, zap.NewNop())
	svc.Stop(context.Background())
	svc.Stop(context.Background()) // must not panic
}

func TestRecord_NilPayload(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nil, zap.NewNop())

	svc.Record(Entry{SessionID: "sess-1", Kind: KindOpened})
	svc.Stop(context.Background())

	var rows []model.PlayEvent
	db.Find(&rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "null", string(rows[0].Payload))
}

func TestRecord_DropsWhenFull(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nil, zap.NewNop())

	// Flood well past the channel capacity; excess events are dropped
	// without blocking or panicking.
	for i := 0; i < 2000; i++ {
		svc.Record(Entry{SessionID: "sess-1", Kind: KindStepped})
	}
	svc.Stop(context.Background())
}
