package services

import (
	"sync"
	"sync/atomic"
)

// SyncLock is the per-account single-flight guard. Acquisition never
// blocks; a second caller is told the account is busy.
type SyncLock struct {
	flags sync.Map // accountID -> *atomic.Bool
}

func NewSyncLock() *SyncLock {
	return &SyncLock{}
}

func (l *SyncLock) flag(accountID uint) *atomic.Bool {
	if v, ok := l.flags.Load(accountID); ok {
		return v.(*atomic.Bool)
	}
	v, _ := l.flags.LoadOrStore(accountID, new(atomic.Bool))
	return v.(*atomic.Bool)
}

// TryAcquire returns true if the caller now owns the account's lock.
func (l *SyncLock) TryAcquire(accountID uint) bool {
	return l.flag(accountID).CompareAndSwap(false, true)
}

// Release frees the account's lock.
func (l *SyncLock) Release(accountID uint) {
	l.flag(accountID).Store(false)
}

// Held reports whether a pass is running for the account.
func (l *SyncLock) Held(accountID uint) bool {
	if v, ok := l.flags.Load(accountID); ok {
		return v.(*atomic.Bool).Load()
	}
	return false
}
