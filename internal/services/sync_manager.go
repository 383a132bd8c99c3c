package services

import (
	"context"
	"time"

	"mailsync/internal/models"
)

// MailboxFetcher opens sessions against a remote mailbox.
type MailboxFetcher interface {
	// Connect returns a *FetchError with Kind auth or network on failure.
	Connect(ctx context.Context, account *models.Account) (MailboxConn, error)
}

// MailboxConn is one authenticated session. Close must be called once
// Connect has succeeded.
type MailboxConn interface {
	ListFolders(ctx context.Context) ([]string, error)
	// FetchSince returns at most max messages dated on or after since.
	// AccountID, Folder and SyncedAt are filled in by the caller.
	FetchSince(ctx context.Context, folder string, since time.Time, max int) ([]models.Email, error)
	Close() error
}

// MessageStore is the persisted message collection.
type MessageStore interface {
	Exists(ctx context.Context, messageID string) (bool, error)
	// Insert returns repository.ErrConflict on a duplicate message id.
	Insert(ctx context.Context, email *models.Email) error
	Delete(ctx context.Context, id uint) error
	Query(ctx context.Context, accountID uint, folder string, limit, offset int) ([]models.Email, error)
	Recent(ctx context.Context, accountID uint, limit int) ([]models.Email, error)
	Count(ctx context.Context, accountID uint) (int64, error)
	FindByMessageID(ctx context.Context, accountID uint, messageID string) (*models.Email, error)
	ListByAccount(ctx context.Context, accountID uint) ([]models.Email, error)
}

// AccountStore reads accounts and advances their watermark.
type AccountStore interface {
	GetByID(ctx context.Context, id uint) (*models.Account, error)
	ListAll(ctx context.Context) ([]models.Account, error)
	UpdateWatermark(ctx context.Context, id uint, at time.Time) error
}

// SyncRecorder keeps a history of passes. Optional.
type SyncRecorder interface {
	Record(ctx context.Context, run *models.SyncRun) error
}

// Trigger names what started a pass.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerCLI       Trigger = "cli"
)

// SyncResult represents the result of a sync operation
type SyncResult struct {
	AccountID   uint          `json:"accountId"`
	Skipped     bool          `json:"skipped"`
	Fetched     int           `json:"fetched"`
	NewMessages int           `json:"synced"`
	Folder      string        `json:"folder,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// SyncStatus is the externally visible state of an account.
type SyncStatus struct {
	AccountID  uint       `json:"accountId"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	Syncing    bool       `json:"syncing"`
	EmailCount int64      `json:"emailCount"`
}

// SyncAllResult summarises a SyncAll run.
type SyncAllResult struct {
	Accounts    int `json:"accounts"`
	Succeeded   int `json:"succeeded"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	NewMessages int `json:"newMessages"`
}
