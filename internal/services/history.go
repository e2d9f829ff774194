package services

import (
	"context"
	"time"

	"younote/internal/models"
	"younote/internal/store"
)

// HistoryRecorder appends immutable change snapshots and serves them back
// oldest-first. Rows are never mutated or removed.
type HistoryRecorder struct {
	store store.History
}

func NewHistoryRecorder(st store.History) *HistoryRecorder {
	return &HistoryRecorder{store: st}
}

// Record appends one snapshot of prev's content fields as they were before a
// change. The sink is passed explicitly so the reconciler can write through
// its transaction.
func (h *HistoryRecorder) Record(ctx context.Context, sink store.History, prev *models.Diary, changedAt time.Time) error {
	return sink.AppendHistory(ctx, &models.DiaryHistory{
		DiaryID:         prev.ID,
		UpstreamDiaryID: prev.UpstreamDiaryID,
		Title:           prev.Title,
		Content:         prev.Content,
		Weather:         prev.Weather,
		Mood:            prev.Mood,
		Fingerprint:     prev.ContentFingerprint,
		TS:              prev.TS,
		RecordedAt:      changedAt,
	})
}

// Timeline returns the diary's snapshots oldest-first: a replayable history
// of its content evolution.
func (h *HistoryRecorder) Timeline(ctx context.Context, diaryID int64) ([]models.DiaryHistory, error) {
	return h.store.Timeline(ctx, diaryID)
}
