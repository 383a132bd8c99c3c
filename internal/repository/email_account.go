package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync/internal/models"

	"gorm.io/gorm"
)

// AccountRepository handles database operations for Account
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create creates a new account
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if !account.Provider.Valid() {
		return fmt.Errorf("unsupported provider %q", account.Provider)
	}
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("creating account %s: %w", account.EmailAddress, err)
	}
	return nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).First(&account, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAll returns every account ordered by id.
func (r *AccountRepository) ListAll(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

// UpdateWatermark records the time of the last successful sync.
func (r *AccountRepository) UpdateWatermark(ctx context.Context, id uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("last_sync_at", at)
	if res.Error != nil {
		return fmt.Errorf("updating watermark of account %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTokens stores refreshed OAuth2 tokens.
func (r *AccountRepository) UpdateTokens(ctx context.Context, id uint, tokens *models.OAuth2Tokens) error {
	err := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("oauth2_tokens", tokens).Error
	if err != nil {
		return fmt.Errorf("updating tokens of account %d: %w", id, err)
	}
	return nil
}

// Delete removes the account together with its messages and sync history.
func (r *AccountRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&models.Email{}).Error; err != nil {
			return fmt.Errorf("deleting messages of account %d: %w", id, err)
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.SyncRun{}).Error; err != nil {
			return fmt.Errorf("deleting sync runs of account %d: %w", id, err)
		}
		res := tx.Delete(&models.Account{}, id)
		if res.Error != nil {
			return fmt.Errorf("deleting account %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
