package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"mailsync/internal/models"
	"mailsync/internal/repository"
	"mailsync/internal/services"
	"mailsync/internal/utils"

	"github.com/gorilla/mux"
)

// SyncRunLister reads the sync history of an account.
type SyncRunLister interface {
	ListByAccount(ctx context.Context, accountID uint, limit int) ([]models.SyncRun, error)
}

// APIHandler serves the account, sync and read endpoints.
type APIHandler struct {
	Sync       *services.SyncCoordinator
	Accounts   *services.AccountService
	Emails     *services.EmailService
	Summarizer services.Summarizer
	SyncRuns   SyncRunLister
	Scheduler  *services.SyncScheduler
	logger     *utils.Logger
}

// NewAPIHandler creates a handler. accounts, summarizer, syncRuns and scheduler
// may be nil.
func NewAPIHandler(
	coordinator *services.SyncCoordinator,
	accounts *services.AccountService,
	emails *services.EmailService,
	summarizer services.Summarizer,
	syncRuns SyncRunLister,
	scheduler *services.SyncScheduler,
) *APIHandler {
	return &APIHandler{
		Sync:       coordinator,
		Accounts:   accounts,
		Emails:     emails,
		Summarizer: summarizer,
		SyncRuns:   syncRuns,
		Scheduler:  scheduler,
		logger:     utils.NewLogger("API"),
	}
}

// HealthCheck reports that the server is up.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RespondWithError 返回错误响应
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message})
}

// RespondWithJSON 返回JSON响应
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrAccountNotFound), errors.Is(err, services.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrMissingCredentials), errors.Is(err, services.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrSyncInProgress), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrSummarizerDisabled), errors.Is(err, services.ErrNoEncryptionKey):
		return http.StatusServiceUnavailable
	case services.IsFetchError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) respondWithServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed: %v", err)
	}
	RespondWithError(w, code, err.Error())
}

func accountIDFromRequest(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid account ID")
	}
	return uint(id), nil
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// GetEmailsHandler lists stored messages of a folder, newest first.
func (h *APIHandler) GetEmailsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	emails, err := h.Emails.GetEmails(r.Context(), accountID, q.Get("folder"), intQuery(r, "limit", 0), intQuery(r, "offset", 0))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, emails)
}

// GetEmailHandler returns one stored message by its Message-ID.
func (h *APIHandler) GetEmailHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	email, err := h.Emails.GetMessage(r.Context(), accountID, mux.Vars(r)["messageId"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, email)
}

// GetThreadsHandler returns the account's most recently active threads.
func (h *APIHandler) GetThreadsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	threads, err := h.Emails.GetThreads(r.Context(), accountID, intQuery(r, "limit", 0))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, threads)
}

// SearchEmailsHandler matches q against subject, sender and text body.
func (h *APIHandler) SearchEmailsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	emails, err := h.Emails.Search(r.Context(), accountID, q.Get("q"), q.Get("folder"), intQuery(r, "limit", 0), intQuery(r, "offset", 0))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, emails)
}

// SyncRunsHandler returns the latest sync passes of an account.
func (h *APIHandler) SyncRunsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.SyncRuns == nil {
		RespondWithJSON(w, http.StatusOK, []models.SyncRun{})
		return
	}
	runs, err := h.SyncRuns.ListByAccount(r.Context(), accountID, intQuery(r, "limit", 20))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	RespondWithJSON(w, http.StatusOK, runs)
}

var _ SyncRunLister = (*repository.SyncRunRepository)(nil)
