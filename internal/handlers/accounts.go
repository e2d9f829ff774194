package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"younote/internal/models"
	"younote/internal/services"
	"younote/internal/store"
	"younote/internal/upstream"
)

type AccountHandler struct {
	store store.Store
	enc   *services.EncryptionService
}

func NewAccountHandler(st store.Store, enc *services.EncryptionService) *AccountHandler {
	return &AccountHandler{store: st, enc: enc}
}

type registerAccountRequest struct {
	UpstreamUserID int64  `json:"upstream_user_id"`
	AuthToken      string `json:"auth_token"`
	Email          string `json:"email"`
}

// Register stores a new upstream credential. The token is judged locally
// before the first sync; a dead-on-arrival token is rejected here rather than
// failing the first run.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UpstreamUserID <= 0 || strings.TrimSpace(req.AuthToken) == "" {
		http.Error(w, "upstream_user_id and auth_token required", http.StatusBadRequest)
		return
	}

	health := upstream.ParseTokenHealth(req.AuthToken, time.Now().UTC())
	if !health.Valid {
		http.Error(w, "token rejected: "+health.Reason, http.StatusUnprocessableEntity)
		return
	}

	account := accountFromRegister(req, health)
	if err := h.enc.EncryptAccount(account); err != nil {
		http.Error(w, "could not encrypt credential", http.StatusInternalServerError)
		return
	}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		http.Error(w, "could not create account", http.StatusBadRequest)
		return
	}

	account.Email = req.Email // respond with plaintext, not ciphertext
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

func accountFromRegister(req registerAccountRequest, health upstream.TokenHealth) *models.Account {
	return &models.Account{
		UpstreamUserID: req.UpstreamUserID,
		AuthToken:      strings.TrimSpace(req.AuthToken),
		Email:          strings.TrimSpace(strings.ToLower(req.Email)),
		IsActive:       true,
		TokenValid:     health.Valid,
		TokenExpiresAt: health.ExpiresAt,
	}
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	for i := range accounts {
		if err := h.enc.DecryptAccount(&accounts[i]); err != nil {
			accounts[i].Email = ""
		}
		accounts[i].AuthToken = ""
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accounts)
}

// ValidateToken re-checks the stored credential's health and persists the
// result.
func (h *AccountHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	account, err := h.store.AccountByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if err := h.enc.DecryptAccount(account); err != nil {
		http.Error(w, "could not decrypt credential", http.StatusInternalServerError)
		return
	}

	health := upstream.ParseTokenHealth(account.AuthToken, time.Now().UTC())
	needsReauth := !health.Valid
	if err := h.store.UpdateAccountTokenHealth(r.Context(), id, health.Valid, needsReauth, health.ExpiresAt); err != nil {
		http.Error(w, "could not update", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"valid":      health.Valid,
		"expired":    health.Expired,
		"expires_at": health.ExpiresAt,
		"reason":     health.Reason,
	})
}

// Disable soft-disables the account. Diaries referencing it stay put.
func (h *AccountHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *AccountHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AccountHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	if err := h.store.SetAccountActive(r.Context(), id, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "could not update", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
