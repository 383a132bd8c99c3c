package models

import (
	"time"
)

// SyncRun records the outcome of one sync pass for an account.
type SyncRun struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountID   uint      `gorm:"index;not null" json:"accountId"`
	Trigger     string    `gorm:"type:varchar(32)" json:"trigger"` // manual, scheduled, cli
	Folder      string    `json:"folder,omitempty"`
	StartedAt   time.Time `gorm:"index" json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Fetched     int       `json:"fetched"`
	NewMessages int       `json:"newMessages"`
	DurationMs  int64     `json:"durationMs"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName specifies the table name for GORM
func (SyncRun) TableName() string {
	return "sync_runs"
}

// Succeeded reports whether the pass completed without error.
func (r *SyncRun) Succeeded() bool {
	return r.Error == ""
}
