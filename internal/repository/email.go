package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailsync/internal/models"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)

// EmailRepository handles database operations for Email
type EmailRepository struct {
	db *gorm.DB
}

// NewEmailRepository creates a new EmailRepository
func NewEmailRepository(db *gorm.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

// Exists reports whether a message with the provider message id is stored.
func (r *EmailRepository) Exists(ctx context.Context, messageID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("message_id = ?", messageID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", messageID, err)
	}
	return count > 0, nil
}

// Insert persists a new message. A uniqueness violation on the provider
// message id is reported as ErrConflict.
func (r *EmailRepository) Insert(ctx context.Context, email *models.Email) error {
	if err := r.db.WithContext(ctx).Create(email).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting message %s: %w", email.MessageID, err)
	}
	return nil
}

// isUniqueViolation recognises duplicate-key errors. TranslateError covers
// the drivers that support it; the string checks catch the rest.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

// Delete removes a message by row id.
func (r *EmailRepository) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&models.Email{}, id)
	if res.Error != nil {
		return fmt.Errorf("deleting message %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Query lists an account's messages newest first. An empty folder matches
// every folder; non-positive limit means no limit.
func (r *EmailRepository) Query(ctx context.Context, accountID uint, folder string, limit, offset int) ([]models.Email, error) {
	query := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if folder != "" {
		query = query.Where("folder = ?", folder)
	}
	query = query.Order("date DESC").Order("id DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var emails []models.Email
	if err := query.Find(&emails).Error; err != nil {
		return nil, fmt.Errorf("querying messages for account %d: %w", accountID, err)
	}
	return emails, nil
}

// Recent returns up to limit of the account's most recent messages across
// all folders.
func (r *EmailRepository) Recent(ctx context.Context, accountID uint, limit int) ([]models.Email, error) {
	return r.Query(ctx, accountID, "", limit, 0)
}

// Count returns the number of stored messages for an account.
func (r *EmailRepository) Count(ctx context.Context, accountID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Email{}).Where("account_id = ?", accountID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting messages for account %d: %w", accountID, err)
	}
	return count, nil
}

// FindByMessageID retrieves one of the account's messages by provider id.
func (r *EmailRepository) FindByMessageID(ctx context.Context, accountID uint, messageID string) (*models.Email, error) {
	var email models.Email
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		First(&email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &email, nil
}

// ListByAccount returns every stored message of the account.
func (r *EmailRepository) ListByAccount(ctx context.Context, accountID uint) ([]models.Email, error) {
	var emails []models.Email
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id ASC").Find(&emails).Error; err != nil {
		return nil, fmt.Errorf("listing messages for account %d: %w", accountID, err)
	}
	return emails, nil
}

// Search matches subject, text body and sender by substring, newest first.
func (r *EmailRepository) Search(ctx context.Context, accountID uint, term, folder string, limit, offset int) ([]models.Email, error) {
	pattern := "%" + escapeLike(term) + "%"
	query := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("(subject LIKE ? ESCAPE '!' OR body_text LIKE ? ESCAPE '!' OR from_addr LIKE ? ESCAPE '!')", pattern, pattern, pattern)
	if folder != "" {
		query = query.Where("folder = ?", folder)
	}
	query = query.Order("date DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var emails []models.Email
	if err := query.Find(&emails).Error; err != nil {
		return nil, fmt.Errorf("searching messages for account %d: %w", accountID, err)
	}
	return emails, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// UpdateSummary stores an AI summary on a message.
func (r *EmailRepository) UpdateSummary(ctx context.Context, id uint, summary string) error {
	res := r.db.WithContext(ctx).Model(&models.Email{}).Where("id = ?", id).Update("ai_summary", summary)
	if res.Error != nil {
		return fmt.Errorf("updating summary of message %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
