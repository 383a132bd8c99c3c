package api

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse acknowledges an accepted request.
type MessageResponse struct {
	Message string `json:"message"`
}

// SyncAccountResponse is the outcome of a manual sync.
type SyncAccountResponse struct {
	Synced  int    `json:"synced"`
	Skipped bool   `json:"skipped"`
	Fetched int    `json:"fetched,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DedupeResponse reports how many duplicates were removed.
type DedupeResponse struct {
	Removed int `json:"removed"`
}

// SummarizeRequest carries content to summarize. HTML wins when both are set.
type SummarizeRequest struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

type SummaryResponse struct {
	Summary string `json:"summary"`
}
