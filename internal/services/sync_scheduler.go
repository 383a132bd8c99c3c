package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsync/internal/utils"
)

// AllAccountsSyncer runs a pass over every account.
type AllAccountsSyncer interface {
	SyncAll(ctx context.Context, trigger Trigger) (*SyncAllResult, error)
}

// SyncScheduler 定时触发全量同步
type SyncScheduler struct {
	syncer   AllAccountsSyncer
	interval time.Duration

	// 运行状态
	running bool
	cancel  context.CancelFunc
	kick    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	logger *utils.Logger
}

// NewSyncScheduler 创建调度器
func NewSyncScheduler(syncer AllAccountsSyncer, interval time.Duration) *SyncScheduler {
	return &SyncScheduler{
		syncer:   syncer,
		interval: interval,
		kick:     make(chan struct{}, 1),
		logger:   utils.NewLogger("SyncScheduler"),
	}
}

// Start 启动调度器. The first run happens one interval after start.
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(runCtx)

	s.logger.Info("Started, syncing all accounts every %s", s.interval)
	return nil
}

// Stop 停止调度器 and waits for an in-flight run to finish.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Stopped")
}

// Trigger requests a run as soon as the scheduler is idle. Requests made
// while one is already pending are merged. It returns false when the
// scheduler is not running.
func (s *SyncScheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return true
}

func (s *SyncScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, TriggerScheduled)
		case <-s.kick:
			s.run(ctx, TriggerManual)
		}
	}
}

func (s *SyncScheduler) run(ctx context.Context, trigger Trigger) {
	result, err := s.syncer.SyncAll(ctx, trigger)
	if err != nil {
		s.logger.Error("%s sync run failed: %v", trigger, err)
		return
	}
	s.logger.Debug("%s sync run done: %d ok, %d skipped, %d failed", trigger, result.Succeeded, result.Skipped, result.Failed)
}
