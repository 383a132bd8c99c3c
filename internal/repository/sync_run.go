package repository

import (
	"context"
	"fmt"

	"mailsync/internal/models"

	"gorm.io/gorm"
)

// SyncRunRepository persists the history of sync passes.
type SyncRunRepository struct {
	db *gorm.DB
}

func NewSyncRunRepository(db *gorm.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Record stores the outcome of a pass.
func (r *SyncRunRepository) Record(ctx context.Context, run *models.SyncRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("recording sync run for account %d: %w", run.AccountID, err)
	}
	return nil
}

// ListByAccount returns the most recent runs first.
func (r *SyncRunRepository) ListByAccount(ctx context.Context, accountID uint, limit int) ([]models.SyncRun, error) {
	query := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("started_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var runs []models.SyncRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing sync runs for account %d: %w", accountID, err)
	}
	return runs, nil
}
