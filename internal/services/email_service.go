package services

import (
	"context"
	"errors"
	"fmt"

	"mailsync/internal/cache"
	"mailsync/internal/models"
	"mailsync/internal/repository"
	"mailsync/internal/utils"
)

const (
	DefaultFolder    = "INBOX"
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// ErrMessageNotFound is returned when a message lookup misses.
var ErrMessageNotFound = errors.New("message not found")

// EmailQueryStore is the read side of the message collection plus the two
// operations only the read path needs.
type EmailQueryStore interface {
	MessageStore
	Search(ctx context.Context, accountID uint, term, folder string, limit, offset int) ([]models.Email, error)
	UpdateSummary(ctx context.Context, id uint, summary string) error
}

// Summarizer produces a short summary of a message body.
type Summarizer interface {
	Summarize(ctx context.Context, text, html string) (string, error)
}

// EmailService serves message lists, single messages and threads. Lists and
// threads go through the result cache; searches always hit the store.
type EmailService struct {
	messages   EmailQueryStore
	cache      *cache.ResultCache
	summarizer Summarizer
	logger     *utils.Logger
}

func NewEmailService(messages EmailQueryStore, resultCache *cache.ResultCache, summarizer Summarizer) *EmailService {
	return &EmailService{
		messages:   messages,
		cache:      resultCache,
		summarizer: summarizer,
		logger:     utils.NewLogger("EmailService"),
	}
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// GetEmails lists a folder of the account newest first.
func (s *EmailService) GetEmails(ctx context.Context, accountID uint, folder string, limit, offset int) ([]models.Email, error) {
	if folder == "" {
		folder = DefaultFolder
	}
	limit, offset = normalizePage(limit, offset)

	gen, cacheable := s.cache.Generation(ctx, accountID)
	key := cache.MessageListKey(accountID, gen, folder, limit, offset)
	var emails []models.Email
	if cacheable && s.cache.GetJSON(ctx, cache.ViewEmails, key, &emails) {
		return emails, nil
	}

	emails, err := s.messages.Query(ctx, accountID, folder, limit, offset)
	if err != nil {
		return nil, err
	}
	if emails == nil {
		emails = []models.Email{}
	}
	if cacheable {
		s.cache.PutJSON(ctx, key, emails, s.cache.TTLs().List)
	}
	return emails, nil
}

// GetMessage returns one of the account's messages by provider message id.
func (s *EmailService) GetMessage(ctx context.Context, accountID uint, messageID string) (*models.Email, error) {
	gen, cacheable := s.cache.Generation(ctx, accountID)
	key := cache.MessageKey(accountID, gen, messageID)
	var email models.Email
	if cacheable && s.cache.GetJSON(ctx, cache.ViewEmail, key, &email) {
		return &email, nil
	}

	found, err := s.messages.FindByMessageID(ctx, accountID, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if cacheable {
		s.cache.PutJSON(ctx, key, found, s.cache.TTLs().List)
	}
	return found, nil
}

// GetThreads assembles the account's most recently active threads.
func (s *EmailService) GetThreads(ctx context.Context, accountID uint, limit int) ([]models.Thread, error) {
	limit, _ = normalizePage(limit, 0)

	gen, cacheable := s.cache.Generation(ctx, accountID)
	key := cache.ThreadsKey(accountID, gen, limit)
	var threads []models.Thread
	if cacheable && s.cache.GetJSON(ctx, cache.ViewThreads, key, &threads) {
		return threads, nil
	}

	recent, err := s.messages.Recent(ctx, accountID, limit*ThreadOverfetch)
	if err != nil {
		return nil, err
	}
	threads = AssembleThreads(accountID, recent, limit)
	if cacheable {
		s.cache.PutJSON(ctx, key, threads, s.cache.TTLs().Threads)
	}
	return threads, nil
}

// Search matches the term against subject, text body and sender.
func (s *EmailService) Search(ctx context.Context, accountID uint, term, folder string, limit, offset int) ([]models.Email, error) {
	if term == "" {
		return []models.Email{}, nil
	}
	limit, offset = normalizePage(limit, offset)
	emails, err := s.messages.Search(ctx, accountID, term, folder, limit, offset)
	if err != nil {
		return nil, err
	}
	if emails == nil {
		emails = []models.Email{}
	}
	return emails, nil
}

// SummarizeMessage stores an AI summary on the message and returns it. An
// existing summary is returned as is.
func (s *EmailService) SummarizeMessage(ctx context.Context, accountID uint, messageID string) (string, error) {
	if s.summarizer == nil {
		return "", ErrSummarizerDisabled
	}
	email, err := s.messages.FindByMessageID(ctx, accountID, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrMessageNotFound
		}
		return "", err
	}
	if email.AISummary != "" {
		return email.AISummary, nil
	}

	summary, err := s.summarizer.Summarize(ctx, email.Body.Text, email.Body.HTML)
	if err != nil {
		return "", fmt.Errorf("summarizing %s: %w", messageID, err)
	}
	if err := s.messages.UpdateSummary(ctx, email.ID, summary); err != nil {
		return "", err
	}
	// cached lists carry the summary field
	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		s.logger.Warn("Cache invalidation failed for account %d: %v", accountID, err)
	}
	return summary, nil
}
