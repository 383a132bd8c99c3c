package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// SummarizeHandler summarizes arbitrary text or HTML.
func (h *APIHandler) SummarizeHandler(w http.ResponseWriter, r *http.Request) {
	if h.Summarizer == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "AI summarizer is not configured")
		return
	}

	var req SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.HTML) == "" {
		RespondWithError(w, http.StatusBadRequest, "text or html is required")
		return
	}

	summary, err := h.Summarizer.Summarize(r.Context(), req.Text, req.HTML)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, SummaryResponse{Summary: summary})
}

// SummarizeEmailHandler summarizes a stored message and keeps the result on
// the message.
func (h *APIHandler) SummarizeEmailHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := h.Emails.SummarizeMessage(r.Context(), accountID, mux.Vars(r)["messageId"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, SummaryResponse{Summary: summary})
}
