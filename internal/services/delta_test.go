package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"younote/internal/models"
	"younote/internal/store"
)

func TestDeltaTrackerRecord(t *testing.T) {
	mem := store.NewMemory()
	tr := NewDeltaTracker(mem)
	now := time.Now().UTC()

	diary := &models.Diary{ID: 7, AccountID: 3, MsgCount: 5}
	require.NoError(t, tr.Record(context.Background(), mem, diary, 8, "run-1", "sync", now))

	events := mem.Events()
	require.Len(t, events, 1)
	assert.EqualValues(t, 7, events[0].DiaryID)
	assert.EqualValues(t, 3, events[0].AccountID)
	assert.Equal(t, 3, events[0].Delta)
	assert.Equal(t, now, events[0].RecordedAt)
}

func TestDeltaTrackerRecordWithoutRun(t *testing.T) {
	mem := store.NewMemory()
	tr := NewDeltaTracker(mem)

	diary := &models.Diary{ID: 7, MsgCount: 8}
	require.NoError(t, tr.Record(context.Background(), mem, diary, 6, "", "refresh", time.Now().UTC()))

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].RunID)
	assert.Equal(t, -2, events[0].Delta)
}

func TestIncreaseSinceAggregation(t *testing.T) {
	mem := store.NewMemory()
	tr := NewDeltaTracker(mem)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seed := func(diaryID int64, delta int, at time.Time) {
		require.NoError(t, mem.RecordMsgCountEvent(ctx, &models.MsgCountEvent{
			DiaryID: diaryID, Delta: delta, RecordedAt: at, Source: "sync",
		}))
	}
	seed(1, 2, base.Add(1*time.Hour))
	seed(1, 3, base.Add(2*time.Hour))
	seed(2, 4, base.Add(3*time.Hour))
	seed(3, -5, base.Add(4*time.Hour)) // decreases never count
	seed(4, 9, base.Add(-1*time.Hour)) // before the window
	seed(5, 9, base.Add(48*time.Hour)) // after the window

	items, total, err := tr.IncreaseSince(ctx, base, base.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 9, total)
	require.Len(t, items, 2)

	// Ranked by summed delta descending.
	assert.EqualValues(t, 1, items[0].DiaryID)
	assert.Equal(t, 5, items[0].Delta)
	assert.Equal(t, base.Add(2*time.Hour), items[0].LastEventAt)
	assert.EqualValues(t, 2, items[1].DiaryID)
	assert.Equal(t, 4, items[1].Delta)
}

func TestIncreaseSinceLimit(t *testing.T) {
	mem := store.NewMemory()
	tr := NewDeltaTracker(mem)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, mem.RecordMsgCountEvent(ctx, &models.MsgCountEvent{
			DiaryID: i, Delta: int(i), RecordedAt: base.Add(time.Duration(i) * time.Minute), Source: "sync",
		}))
	}

	items, total, err := tr.IncreaseSince(ctx, base, base.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, 15, total)
	require.Len(t, items, 2)
	assert.EqualValues(t, 5, items[0].DiaryID)
	assert.EqualValues(t, 4, items[1].DiaryID)
}
