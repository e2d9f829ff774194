package services

import (
	"context"
	"time"

	"younote/internal/models"
	"younote/internal/store"
)

// DeltaTracker records msg_count changes and answers "which diaries gained
// messages in this window" without re-diffing content.
type DeltaTracker struct {
	store store.Deltas
}

func NewDeltaTracker(st store.Deltas) *DeltaTracker {
	return &DeltaTracker{store: st}
}

// Record appends one event for a msg_count change on diary. The sink is
// passed explicitly so the reconciler can write through its transaction.
func (t *DeltaTracker) Record(ctx context.Context, sink store.Deltas, diary *models.Diary, newCount int, runID, source string, at time.Time) error {
	var rid *string
	if runID != "" {
		rid = &runID
	}
	return sink.RecordMsgCountEvent(ctx, &models.MsgCountEvent{
		AccountID:   diary.AccountID,
		DiaryID:     diary.ID,
		RunID:       rid,
		OldMsgCount: diary.MsgCount,
		NewMsgCount: newCount,
		Delta:       newCount - diary.MsgCount,
		RecordedAt:  at,
		Source:      source,
	})
}

// IncreaseSince returns the top diaries by summed positive delta within
// [since, until), each with its total and last event time, plus the window's
// overall total.
func (t *DeltaTracker) IncreaseSince(ctx context.Context, since, until time.Time, limit int) ([]models.MsgCountIncrease, int, error) {
	return t.store.MsgCountIncrease(ctx, since, until, limit)
}
