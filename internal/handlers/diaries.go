package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"younote/internal/services"
	"younote/internal/store"
)

type DiaryHandler struct {
	store   store.Store
	history *services.HistoryRecorder
}

func NewDiaryHandler(st store.Store, history *services.HistoryRecorder) *DiaryHandler {
	return &DiaryHandler{store: st, history: history}
}

func (h *DiaryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ownerID *int64
	if s := q.Get("owner_user_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid owner_user_id", http.StatusBadRequest)
			return
		}
		ownerID = &id
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	diaries, err := h.store.ListDiaries(r.Context(), ownerID, limit)
	if err != nil {
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(diaries)
}

func (h *DiaryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "diaryID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid diary id", http.StatusBadRequest)
		return
	}
	diary, err := h.store.DiaryByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(diary)
}

// History returns the diary's change snapshots oldest-first.
func (h *DiaryHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "diaryID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid diary id", http.StatusBadRequest)
		return
	}
	timeline, err := h.history.Timeline(r.Context(), id)
	if err != nil {
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(timeline)
}

type bookmarkRequest struct {
	Bookmarked bool `json:"bookmarked"`
}

func (h *DiaryHandler) SetBookmark(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "diaryID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid diary id", http.StatusBadRequest)
		return
	}
	var req bookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.store.SetDiaryBookmark(r.Context(), id, req.Bookmarked); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "could not update", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
