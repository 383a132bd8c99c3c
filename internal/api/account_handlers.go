package api

import (
	"encoding/json"
	"net/http"

	"mailsync/internal/services"
)

func (h *APIHandler) accountsEnabled(w http.ResponseWriter) bool {
	if h.Accounts == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "account management is not configured")
		return false
	}
	return true
}

// CreateAccountHandler registers a password-authenticated mailbox.
func (h *APIHandler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	if !h.accountsEnabled(w) {
		return
	}
	var request services.NewAccount
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := h.Accounts.Create(r.Context(), request)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusCreated, account)
}

// GetAccountsHandler lists every registered account. Credentials are never
// serialized.
func (h *APIHandler) GetAccountsHandler(w http.ResponseWriter, r *http.Request) {
	if !h.accountsEnabled(w) {
		return
	}
	accounts, err := h.Accounts.List(r.Context())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, accounts)
}

// DeleteAccountHandler removes an account together with its messages.
func (h *APIHandler) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	if !h.accountsEnabled(w) {
		return
	}
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Accounts.Remove(r.Context(), accountID); err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestAccountHandler tries to log in with the stored credentials.
func (h *APIHandler) TestAccountHandler(w http.ResponseWriter, r *http.Request) {
	if !h.accountsEnabled(w) {
		return
	}
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.Accounts.TestConnection(r.Context(), accountID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, result)
}
