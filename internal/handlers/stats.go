package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"younote/internal/models"
	"younote/internal/services"
)

type StatsHandler struct {
	deltas *services.DeltaTracker
}

func NewStatsHandler(deltas *services.DeltaTracker) *StatsHandler {
	return &StatsHandler{deltas: deltas}
}

type msgIncreaseResponse struct {
	TotalDelta int                       `json:"total_delta"`
	Items      []models.MsgCountIncrease `json:"items"`
	Since      time.Time                 `json:"since"`
	Until      time.Time                 `json:"until"`
}

// MsgCountIncrease ranks diaries by message growth within [since_ms, until_ms).
func (h *StatsHandler) MsgCountIncrease(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sinceMs, err := strconv.ParseInt(q.Get("since_ms"), 10, 64)
	if err != nil || sinceMs <= 0 {
		http.Error(w, "since_ms required", http.StatusBadRequest)
		return
	}
	since := time.UnixMilli(sinceMs).UTC()

	until := time.Now().UTC()
	if s := q.Get("until_ms"); s != "" {
		untilMs, err := strconv.ParseInt(s, 10, 64)
		if err != nil || untilMs <= sinceMs {
			http.Error(w, "until_ms must be greater than since_ms", http.StatusUnprocessableEntity)
			return
		}
		until = time.UnixMilli(untilMs).UTC()
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	items, total, err := h.deltas.IncreaseSince(r.Context(), since, until, limit)
	if err != nil {
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.MsgCountIncrease{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgIncreaseResponse{
		TotalDelta: total,
		Items:      items,
		Since:      since,
		Until:      until,
	})
}
