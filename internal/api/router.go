package api

import (
	"net/http"

	"mailsync/internal/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all the necessary routes.
func NewRouter(handler *APIHandler, hub *Hub) http.Handler {
	router := mux.NewRouter()
	logger := utils.NewLogger("HTTP")
	router.Use(RecoveryMiddleware(logger), utils.HTTPLoggingMiddleware(logger))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Create API subrouter with /api prefix
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.HandleFunc("/health", HealthCheck).Methods("GET")

	// Accounts
	apiRouter.HandleFunc("/accounts", handler.GetAccountsHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts", handler.CreateAccountHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{id}", handler.DeleteAccountHandler).Methods("DELETE")
	apiRouter.HandleFunc("/accounts/{id}/test", handler.TestAccountHandler).Methods("POST")

	// Sync
	apiRouter.HandleFunc("/sync/all", handler.SyncAllHandler).Methods("POST")
	apiRouter.HandleFunc("/sync/accounts/{id}", handler.SyncAccountHandler).Methods("POST")
	apiRouter.HandleFunc("/sync/accounts/{id}/status", handler.SyncStatusHandler).Methods("GET")
	apiRouter.HandleFunc("/sync/accounts/{id}/dedupe", handler.DedupeHandler).Methods("POST")

	// Reads. Message ids may contain '/', the summary route must stay first.
	apiRouter.HandleFunc("/accounts/{id}/emails", handler.GetEmailsHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{id}/emails/{messageId:.+}/summary", handler.SummarizeEmailHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{id}/emails/{messageId:.+}", handler.GetEmailHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{id}/threads", handler.GetThreadsHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{id}/search", handler.SearchEmailsHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{id}/sync-runs", handler.SyncRunsHandler).Methods("GET")

	// AI
	apiRouter.HandleFunc("/ai/summarize", handler.SummarizeHandler).Methods("POST")

	// WebSocket
	if hub != nil {
		apiRouter.HandleFunc("/ws", hub.ServeWS).Methods("GET")
	}

	// Add CORS middleware
	return enableCORS(router)
}
