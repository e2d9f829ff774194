package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"younote/internal/models"
	"younote/internal/services"
	"younote/internal/store"
)

func TestMsgCountIncreaseEndpoint(t *testing.T) {
	mem := store.NewMemory()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, mem.RecordMsgCountEvent(ctx, &models.MsgCountEvent{
		DiaryID: 1, AccountID: 2, Delta: 3, RecordedAt: base.Add(time.Hour), Source: "sync",
	}))
	require.NoError(t, mem.RecordMsgCountEvent(ctx, &models.MsgCountEvent{
		DiaryID: 4, AccountID: 2, Delta: 7, RecordedAt: base.Add(2 * time.Hour), Source: "sync",
	}))

	h := NewStatsHandler(services.NewDeltaTracker(mem))
	url := fmt.Sprintf("/api/stats/msg-increase?since_ms=%d&until_ms=%d",
		base.UnixMilli(), base.Add(24*time.Hour).UnixMilli())
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	h.MsgCountIncrease(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		TotalDelta int                       `json:"total_delta"`
		Items      []models.MsgCountIncrease `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.TotalDelta)
	require.Len(t, resp.Items, 2)
	assert.EqualValues(t, 4, resp.Items[0].DiaryID)
}

func TestMsgCountIncreaseValidation(t *testing.T) {
	h := NewStatsHandler(services.NewDeltaTracker(store.NewMemory()))

	rec := httptest.NewRecorder()
	h.MsgCountIncrease(rec, httptest.NewRequest(http.MethodGet, "/api/stats/msg-increase", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.MsgCountIncrease(rec, httptest.NewRequest(http.MethodGet,
		"/api/stats/msg-increase?since_ms=2000&until_ms=1000", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMsgCountIncreaseEmptyWindow(t *testing.T) {
	h := NewStatsHandler(services.NewDeltaTracker(store.NewMemory()))
	rec := httptest.NewRecorder()
	h.MsgCountIncrease(rec, httptest.NewRequest(http.MethodGet,
		"/api/stats/msg-increase?since_ms=1000", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		TotalDelta int   `json:"total_delta"`
		Items      []any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.TotalDelta)
	assert.NotNil(t, resp.Items)
	assert.Empty(t, resp.Items)
}
