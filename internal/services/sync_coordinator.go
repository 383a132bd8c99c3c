package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailsync/internal/models"
	"mailsync/internal/repository"
	"mailsync/internal/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var (
	metricSyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_passes_total",
			Help: "Account sync passes by result, known values: ok, skipped, fetcherror, storeerror.",
		},
		[]string{
			"result",
		},
	)
	metricSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Duration of completed sync passes, successful or not.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	metricMessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_messages_ingested_total",
			Help: "Messages persisted by sync passes.",
		},
	)
)

const (
	// DefaultLookback is how far back the first sync of an account reaches.
	DefaultLookback = 7 * 24 * time.Hour
	// DefaultBatchSize bounds the messages fetched per pass.
	DefaultBatchSize = 100
	defaultInbox     = "INBOX"
)

// ErrSyncInProgress is returned by maintenance operations that need the
// account lock while a pass holds it.
var ErrSyncInProgress = errors.New("sync in progress for account")

// CacheInvalidator drops every cached view of an account.
type CacheInvalidator interface {
	InvalidateAccount(ctx context.Context, accountID uint) error
}

// SyncOptions tunes a SyncCoordinator.
type SyncOptions struct {
	Lookback    time.Duration
	BatchSize   int
	Concurrency int
}

// SyncCoordinator runs sync passes. At most one pass per account runs at a
// time; overlapping requests are skipped, never queued.
type SyncCoordinator struct {
	accounts    AccountStore
	messages    MessageStore
	fetcher     MailboxFetcher
	cache       CacheInvalidator
	broadcaster Broadcaster
	recorder    SyncRecorder
	lock        *SyncLock
	opts        SyncOptions
	now         func() time.Time
	logger      *utils.Logger
}

// NewSyncCoordinator wires a coordinator. A nil broadcaster is replaced by
// NopBroadcaster.
func NewSyncCoordinator(
	accounts AccountStore,
	messages MessageStore,
	fetcher MailboxFetcher,
	cache CacheInvalidator,
	broadcaster Broadcaster,
	opts SyncOptions,
) *SyncCoordinator {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &SyncCoordinator{
		accounts:    accounts,
		messages:    messages,
		fetcher:     fetcher,
		cache:       cache,
		broadcaster: broadcaster,
		lock:        NewSyncLock(),
		opts:        opts,
		now:         time.Now,
		logger:      utils.NewLogger("SyncCoordinator"),
	}
}

// WithRecorder attaches a sync history store. Call before any sync runs.
func (c *SyncCoordinator) WithRecorder(recorder SyncRecorder) *SyncCoordinator {
	c.recorder = recorder
	return c
}

// Lock exposes the per-account lock so account removal can exclude passes.
func (c *SyncCoordinator) Lock() *SyncLock {
	return c.lock
}

// passState is what one pass accumulates for the finished event and the
// history record.
type passState struct {
	folder      string
	fetched     int
	newMessages int
}

// SyncAccount runs one pass for the account. A pass already running for the
// account makes this call return a skipped result with a nil error.
func (c *SyncCoordinator) SyncAccount(ctx context.Context, accountID uint, trigger Trigger) (*SyncResult, error) {
	account, err := c.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.HasCredentials() {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrMissingCredentials)
	}

	if !c.lock.TryAcquire(accountID) {
		metricSyncPasses.WithLabelValues("skipped").Inc()
		c.logger.Info("Sync already running for account %d, skipping %s trigger", accountID, trigger)
		return &SyncResult{AccountID: accountID, Skipped: true}, nil
	}
	defer c.lock.Release(accountID)
	// Once started a pass runs to completion; the caller going away must not
	// leave it half ingested.
	ctx = context.WithoutCancel(ctx)

	started := c.now()
	c.logger.Info("Starting %s sync for account %d (%s)", trigger, accountID, account.EmailAddress)
	c.emit(EventSyncStarted, accountID, SyncStartedEvent{AccountID: accountID, Syncing: true})

	state := &passState{}
	passErr := c.runPass(ctx, account, started, state)

	// Anything persisted in this pass must become visible to readers, even
	// when the pass failed part way.
	if passErr == nil || state.newMessages > 0 {
		if err := c.cache.InvalidateAccount(ctx, accountID); err != nil {
			c.logger.Warn("Cache invalidation failed for account %d: %v", accountID, err)
		}
	}

	duration := c.now().Sub(started)
	metricSyncDuration.Observe(duration.Seconds())
	metricMessagesIngested.Add(float64(state.newMessages))
	metricSyncPasses.WithLabelValues(passResultLabel(passErr)).Inc()

	c.emitFinished(ctx, accountID, state, passErr)
	c.record(ctx, accountID, trigger, started, duration, state, passErr)

	if passErr != nil {
		c.logger.Error("Sync failed for account %d after %v: %v", accountID, duration, passErr)
		return nil, passErr
	}

	c.logger.Info("Completed sync for account %d: fetched %d, new %d, took %v",
		accountID, state.fetched, state.newMessages, duration)
	return &SyncResult{
		AccountID:   accountID,
		Fetched:     state.fetched,
		NewMessages: state.newMessages,
		Folder:      state.folder,
		Duration:    duration,
	}, nil
}

func passResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsFetchError(err):
		return "fetcherror"
	default:
		return "storeerror"
	}
}

func (c *SyncCoordinator) loadAccount(ctx context.Context, accountID uint) (*models.Account, error) {
	account, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("account %d: %w", accountID, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("loading account %d: %w", accountID, err)
	}
	return account, nil
}

// runPass does the fetch, merge and watermark steps. The connection is
// closed on every path once Connect succeeds.
func (c *SyncCoordinator) runPass(ctx context.Context, account *models.Account, started time.Time, state *passState) error {
	since := started.Add(-c.opts.Lookback)
	if account.LastSyncAt != nil {
		since = *account.LastSyncAt
	}

	conn, err := c.fetcher.Connect(ctx, account)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.logger.Warn("Closing mailbox connection for account %d: %v", account.ID, cerr)
		}
	}()

	folders, err := conn.ListFolders(ctx)
	if err != nil {
		return err
	}
	state.folder = PickInboxFolder(folders)
	c.logger.Debug("Fetching %s for account %d since %s", state.folder, account.ID, since.Format(time.RFC3339))

	fetched, err := conn.FetchSince(ctx, state.folder, since, c.opts.BatchSize)
	if err != nil {
		return err
	}
	state.fetched = len(fetched)

	for i := range fetched {
		email := &fetched[i]
		inserted, err := c.ingest(ctx, account.ID, state.folder, email)
		if err != nil {
			return err
		}
		if inserted {
			state.newMessages++
			c.emit(EventNewMessage, account.ID, NewMessageEvent{AccountID: account.ID, Email: email})
		}
		c.emit(EventSyncProgress, account.ID, SyncProgressEvent{AccountID: account.ID, Current: i + 1, Total: len(fetched)})
	}

	// Messages that arrived while this pass ran are picked up by the next one.
	if err := c.accounts.UpdateWatermark(ctx, account.ID, started); err != nil {
		return fmt.Errorf("advancing watermark: %w", err)
	}
	return nil
}

// ingest persists one message unless it is already stored. A conflict on
// insert means a concurrent writer got there first and counts as present.
func (c *SyncCoordinator) ingest(ctx context.Context, accountID uint, folder string, email *models.Email) (bool, error) {
	exists, err := c.messages.Exists(ctx, email.MessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	email.AccountID = accountID
	if email.Folder == "" {
		email.Folder = folder
	}
	email.SyncedAt = c.now()
	if email.ThreadID == "" {
		email.ThreadID = email.MessageID
	}

	if err := c.messages.Insert(ctx, email); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			c.logger.Debug("Message %s inserted concurrently, skipping", email.MessageID)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PickInboxFolder returns the first folder whose name contains "inbox" in
// any case, else the first folder, else INBOX.
func PickInboxFolder(folders []string) string {
	for _, folder := range folders {
		if strings.Contains(strings.ToLower(folder), "inbox") {
			return folder
		}
	}
	if len(folders) > 0 {
		return folders[0]
	}
	return defaultInbox
}

func (c *SyncCoordinator) emitFinished(ctx context.Context, accountID uint, state *passState, passErr error) {
	event := SyncStatusEvent{
		AccountID:   accountID,
		Syncing:     false,
		NewMessages: state.newMessages,
	}
	if passErr != nil {
		event.Error = passErr.Error()
	}
	if account, err := c.accounts.GetByID(ctx, accountID); err == nil {
		event.LastSyncAt = account.LastSyncAt
	}
	if count, err := c.messages.Count(ctx, accountID); err == nil {
		event.EmailCount = count
	}
	c.emit(EventSyncFinished, accountID, event)
}

func (c *SyncCoordinator) record(ctx context.Context, accountID uint, trigger Trigger, started time.Time, duration time.Duration, state *passState, passErr error) {
	if c.recorder == nil {
		return
	}
	run := &models.SyncRun{
		AccountID:   accountID,
		Trigger:     string(trigger),
		Folder:      state.folder,
		StartedAt:   started,
		FinishedAt:  started.Add(duration),
		Fetched:     state.fetched,
		NewMessages: state.newMessages,
		DurationMs:  duration.Milliseconds(),
	}
	if passErr != nil {
		run.Error = passErr.Error()
	}
	if err := c.recorder.Record(ctx, run); err != nil {
		c.logger.Warn("Failed to record sync run for account %d: %v", accountID, err)
	}
}

// emit hands an event to the broadcaster. A misbehaving broadcaster can
// never fail a pass.
func (c *SyncCoordinator) emit(kind EventKind, accountID uint, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Broadcaster panicked on %s for account %d: %v", kind, accountID, r)
		}
	}()
	c.broadcaster.Emit(kind, accountID, payload)
}

// SyncAll syncs every account with bounded parallelism. Per-account failures
// are logged and counted; only failing to list accounts is an error.
func (c *SyncCoordinator) SyncAll(ctx context.Context, trigger Trigger) (*SyncAllResult, error) {
	accounts, err := c.accounts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	result := &SyncAllResult{Accounts: len(accounts)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, account := range accounts {
		accountID := account.ID
		g.Go(func() error {
			res, err := c.SyncAccount(gctx, accountID, trigger)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				c.logger.Error("Sync of account %d failed during %s run: %v", accountID, trigger, err)
			case res.Skipped:
				result.Skipped++
			default:
				result.Succeeded++
				result.NewMessages += res.NewMessages
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("Synced %d accounts: %d ok, %d skipped, %d failed, %d new messages",
		result.Accounts, result.Succeeded, result.Skipped, result.Failed, result.NewMessages)
	return result, nil
}

// GetSyncStatus reports the account's watermark, whether a pass is running
// and the live message count.
func (c *SyncCoordinator) GetSyncStatus(ctx context.Context, accountID uint) (*SyncStatus, error) {
	account, err := c.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	count, err := c.messages.Count(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		AccountID:  accountID,
		LastSyncAt: account.LastSyncAt,
		Syncing:    c.lock.Held(accountID),
		EmailCount: count,
	}, nil
}

// ResolveConflicts removes stored duplicates of the account's messages,
// keeping the most recently synced copy of each message id. It holds the
// account lock while it runs and returns the number of rows removed.
func (c *SyncCoordinator) ResolveConflicts(ctx context.Context, accountID uint) (int, error) {
	if _, err := c.loadAccount(ctx, accountID); err != nil {
		return 0, err
	}
	if !c.lock.TryAcquire(accountID) {
		return 0, fmt.Errorf("account %d: %w", accountID, ErrSyncInProgress)
	}
	defer c.lock.Release(accountID)

	emails, err := c.messages.ListByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, dupes := range duplicateGroups(emails) {
		// dupes[0] is the copy to keep
		for _, email := range dupes[1:] {
			if err := c.messages.Delete(ctx, email.ID); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					continue
				}
				return removed, fmt.Errorf("removing duplicate %s: %w", email.MessageID, err)
			}
			removed++
		}
	}

	if removed > 0 {
		if err := c.cache.InvalidateAccount(ctx, accountID); err != nil {
			c.logger.Warn("Cache invalidation failed for account %d: %v", accountID, err)
		}
	}
	c.logger.Info("Resolved conflicts for account %d: removed %d duplicates", accountID, removed)
	return removed, nil
}

// duplicateGroups returns, per message id with more than one copy, the
// copies ordered newest SyncedAt first (row id breaks ties).
func duplicateGroups(emails []models.Email) [][]models.Email {
	byID := make(map[string][]models.Email)
	var order []string
	for _, email := range emails {
		if _, seen := byID[email.MessageID]; !seen {
			order = append(order, email.MessageID)
		}
		byID[email.MessageID] = append(byID[email.MessageID], email)
	}

	var groups [][]models.Email
	for _, id := range order {
		group := byID[id]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].SyncedAt.Equal(group[j].SyncedAt) {
				return group[i].SyncedAt.After(group[j].SyncedAt)
			}
			return group[i].ID > group[j].ID
		})
		groups = append(groups, group)
	}
	return groups
}
