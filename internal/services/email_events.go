package services

import (
	"time"

	"mailsync/internal/models"
)

// EventKind 定义事件类型
type EventKind string

const (
	EventSyncStarted  EventKind = "sync:started"
	EventSyncProgress EventKind = "sync:progress"
	EventSyncFinished EventKind = "sync:status"
	EventNewMessage   EventKind = "email:new"
)

// Broadcaster pushes sync events to whoever watches an account. Emit must
// not block on slow consumers and has no return value: delivery is best
// effort.
type Broadcaster interface {
	Emit(kind EventKind, accountID uint, payload interface{})
}

// NopBroadcaster drops every event.
type NopBroadcaster struct{}

func (NopBroadcaster) Emit(EventKind, uint, interface{}) {}

// SyncStartedEvent is sent when a pass acquires the account lock.
type SyncStartedEvent struct {
	AccountID uint `json:"accountId"`
	Syncing   bool `json:"syncing"`
}

// SyncProgressEvent is sent after each fetched message is processed.
type SyncProgressEvent struct {
	AccountID uint `json:"accountId"`
	Current   int  `json:"current"`
	Total     int  `json:"total"`
}

// SyncStatusEvent is sent when a pass ends and in reply to subscriptions.
type SyncStatusEvent struct {
	AccountID   uint       `json:"accountId"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	Syncing     bool       `json:"syncing"`
	EmailCount  int64      `json:"emailCount"`
	NewMessages int        `json:"newMessages"`
	Error       string     `json:"error,omitempty"`
}

// NewMessageEvent carries a freshly persisted message.
type NewMessageEvent struct {
	AccountID uint          `json:"accountId"`
	Email     *models.Email `json:"email"`
}
