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

type SyncHandler struct {
	orch  *services.Orchestrator
	store store.Store
}

func NewSyncHandler(orch *services.Orchestrator, st store.Store) *SyncHandler {
	return &SyncHandler{orch: orch, store: st}
}

// Trigger starts an on-demand run. 409 while a run for the account is active.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	runID, err := h.orch.TriggerSync(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAlreadyRunning):
			http.Error(w, "sync already running", http.StatusConflict)
		case errors.Is(err, services.ErrAccountDisabled):
			http.Error(w, "account disabled", http.StatusUnprocessableEntity)
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "account not found", http.StatusNotFound)
		default:
			http.Error(w, "could not trigger sync", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

func (h *SyncHandler) RunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.RunStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// Runs lists recent runs, optionally filtered by account.
func (h *SyncHandler) Runs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var accountID *int64
	if s := q.Get("account_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid account_id", http.StatusBadRequest)
			return
		}
		accountID = &id
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	runs, err := h.store.RecentRuns(r.Context(), accountID, limit)
	if err != nil {
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}
