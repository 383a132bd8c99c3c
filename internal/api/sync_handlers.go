package api

import (
	"context"
	"net/http"

	"mailsync/internal/services"
)

// SyncAccountHandler runs one sync pass for the account and waits for it.
// A pass that is already running makes this a no-op reported as skipped.
func (h *APIHandler) SyncAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Sync.SyncAccount(r.Context(), accountID, services.TriggerManual)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.logger.Error("Sync of account %d failed: %v", accountID, err)
		}
		RespondWithJSON(w, code, SyncAccountResponse{Error: err.Error()})
		return
	}
	RespondWithJSON(w, http.StatusOK, SyncAccountResponse{
		Synced:  result.NewMessages,
		Skipped: result.Skipped,
		Fetched: result.Fetched,
		Folder:  result.Folder,
	})
}

// SyncAllHandler starts a pass over every account in the background.
func (h *APIHandler) SyncAllHandler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil || !h.Scheduler.Trigger() {
		go func() {
			if _, err := h.Sync.SyncAll(context.Background(), services.TriggerManual); err != nil {
				h.logger.Error("Background sync of all accounts failed: %v", err)
			}
		}()
	}
	RespondWithJSON(w, http.StatusAccepted, MessageResponse{Message: "sync of all accounts started"})
}

// SyncStatusHandler reports the account's watermark, running flag and
// message count.
func (h *APIHandler) SyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := h.Sync.GetSyncStatus(r.Context(), accountID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, status)
}

// DedupeHandler removes duplicate stored copies of the account's messages.
func (h *APIHandler) DedupeHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := h.Sync.ResolveConflicts(r.Context(), accountID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, DedupeResponse{Removed: removed})
}
