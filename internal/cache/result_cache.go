package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"mailsync/internal/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_cache_lookups_total",
			Help: "Result cache lookups by view and outcome, known outcomes: hit, miss, error.",
		},
		[]string{
			"view",
			"result",
		},
	)
	metricWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_cache_write_errors_total",
			Help: "Result cache writes that failed and were dropped.",
		},
	)
)

// Views stored in the cache; used as key segment and metric label.
const (
	ViewEmails  = "emails"
	ViewThreads = "threads"
	ViewEmail   = "email"
	ViewAI      = "ai"
)

// TTLs for each class of cached result.
type TTLs struct {
	List    time.Duration
	Threads time.Duration
	AI      time.Duration
}

// DefaultTTLs keeps lists and threads for an hour and AI output for a day.
func DefaultTTLs() TTLs {
	return TTLs{List: time.Hour, Threads: time.Hour, AI: 24 * time.Hour}
}

// ResultCache applies the caching policy on top of a Store. Failures never
// reach the caller as errors on the read path: a failed read is a miss and
// a failed write is logged and dropped.
type ResultCache struct {
	store  Store
	ttl    TTLs
	logger *utils.Logger
}

func NewResultCache(store Store, ttl TTLs) *ResultCache {
	return &ResultCache{
		store:  store,
		ttl:    ttl,
		logger: utils.NewLogger("ResultCache"),
	}
}

func (c *ResultCache) TTLs() TTLs {
	return c.ttl
}

// Every account-scoped key starts with accountPrefix so one pattern
// removes all derived views of the account.
func accountPrefix(accountID uint) string {
	return fmt.Sprintf("acct:%d:", accountID)
}

func AccountPattern(accountID uint) string {
	return accountPrefix(accountID) + "*"
}

// GenerationKey holds the account's cache generation. It lives outside
// AccountPattern so invalidation never resets it.
func GenerationKey(accountID uint) string {
	return fmt.Sprintf("gen:acct:%d", accountID)
}

// View keys embed the generation they were computed under. A read that
// raced an invalidation writes to a generation no later read asks for.
func viewPrefix(accountID uint, gen int64, view string) string {
	return fmt.Sprintf("%sg%d:%s", accountPrefix(accountID), gen, view)
}

func MessageListKey(accountID uint, gen int64, folder string, limit, offset int) string {
	return fmt.Sprintf("%s:%s:%d:%d", viewPrefix(accountID, gen, ViewEmails), folder, limit, offset)
}

func ThreadsKey(accountID uint, gen int64, limit int) string {
	return fmt.Sprintf("%s:%d", viewPrefix(accountID, gen, ViewThreads), limit)
}

func MessageKey(accountID uint, gen int64, messageID string) string {
	return fmt.Sprintf("%s:%s", viewPrefix(accountID, gen, ViewEmail), messageID)
}

// AIKey addresses AI output by content hash; it is not account scoped.
func AIKey(kind, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%s:%s", ViewAI, kind, hex.EncodeToString(sum[:]))
}

// Generation returns the account's current cache generation. Callers read
// it before querying the source and build their view key from it. ok is
// false when the store cannot answer; the caller then skips the cache.
func (c *ResultCache) Generation(ctx context.Context, accountID uint) (int64, bool) {
	gen, err := c.store.Counter(ctx, GenerationKey(accountID))
	if err != nil {
		metricLookups.WithLabelValues("generation", "error").Inc()
		c.logger.Warn("Cache generation read failed for account %d, bypassing cache: %v", accountID, err)
		return 0, false
	}
	return gen, true
}

// GetJSON decodes a cached value into dest. It returns false on a miss,
// a store error or an undecodable value.
func (c *ResultCache) GetJSON(ctx context.Context, view, key string, dest interface{}) bool {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		metricLookups.WithLabelValues(view, "error").Inc()
		c.logger.Warn("Cache read failed for %s, treating as miss: %v", key, err)
		return false
	}
	if !ok {
		metricLookups.WithLabelValues(view, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		metricLookups.WithLabelValues(view, "error").Inc()
		c.logger.Warn("Discarding undecodable cache entry %s: %v", key, err)
		return false
	}
	metricLookups.WithLabelValues(view, "hit").Inc()
	return true
}

// PutJSON stores value under key. Errors are logged, never returned.
func (c *ResultCache) PutJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		metricWriteErrors.Inc()
		c.logger.Warn("Cannot encode cache entry %s: %v", key, err)
		return
	}
	if err := c.store.Put(ctx, key, raw, ttl); err != nil {
		metricWriteErrors.Inc()
		c.logger.Warn("Cache write failed for %s: %v", key, err)
	}
}

// InvalidateAccount drops every cached view derived from the account's
// messages. The generation is bumped first so in-flight reads that started
// before the write can no longer publish their result.
func (c *ResultCache) InvalidateAccount(ctx context.Context, accountID uint) error {
	_, genErr := c.store.Incr(ctx, GenerationKey(accountID))
	if err := c.store.InvalidatePattern(ctx, AccountPattern(accountID)); err != nil {
		return fmt.Errorf("invalidating cache for account %d: %w", accountID, err)
	}
	if genErr != nil {
		return fmt.Errorf("bumping cache generation for account %d: %w", accountID, genErr)
	}
	return nil
}
