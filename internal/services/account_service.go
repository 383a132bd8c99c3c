package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mailsync/internal/models"
	"mailsync/internal/repository"
	"mailsync/internal/utils"

	"github.com/emersion/go-message/mail"
)

// ErrInvalidAccount wraps every validation failure of a new account.
var ErrInvalidAccount = errors.New("invalid account")

// AccountRegistry is the account table as seen by onboarding.
type AccountRegistry interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uint) (*models.Account, error)
	ListAll(ctx context.Context) ([]models.Account, error)
	Delete(ctx context.Context, id uint) error
}

// NewAccount describes a password-authenticated mailbox to register.
// Host may be empty for providers with a well known IMAP server.
type NewAccount struct {
	UserID   string              `json:"userId"`
	Provider models.ProviderKind `json:"provider"`
	Email    string              `json:"email"`
	Password string              `json:"password"`
	Host     string              `json:"host"`
	Port     int                 `json:"port"`
	Secure   bool                `json:"secure"`
	Username string              `json:"username"`
	Proxy    string              `json:"proxy"`
}

// ConnectionResult reports a connection test. A failed login is a result,
// not an error.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Folders int    `json:"folders,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AccountService registers, lists, tests and removes accounts.
type AccountService struct {
	accounts AccountRegistry
	cipher   *CredentialCipher
	fetcher  MailboxFetcher
	cache    CacheInvalidator
	lock     *SyncLock
	logger   *utils.Logger
}

// NewAccountService shares lock with the coordinator so an account is never
// removed under a running pass. cipher may be nil; Create then fails.
func NewAccountService(accounts AccountRegistry, cipher *CredentialCipher, fetcher MailboxFetcher, cache CacheInvalidator, lock *SyncLock) *AccountService {
	return &AccountService{
		accounts: accounts,
		cipher:   cipher,
		fetcher:  fetcher,
		cache:    cache,
		lock:     lock,
		logger:   utils.NewLogger("AccountService"),
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidAccount, fmt.Sprintf(format, args...))
}

func (req *NewAccount) normalize() error {
	req.Email = strings.TrimSpace(req.Email)
	req.Host = strings.TrimSpace(req.Host)
	if req.Provider == "" {
		req.Provider = models.ProviderIMAP
	}
	if !req.Provider.Valid() {
		return invalid("unsupported provider %q", req.Provider)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return invalid("bad email address %q", req.Email)
	}
	if req.Password == "" {
		return invalid("password is required")
	}
	if req.Provider == models.ProviderIMAP && req.Host == "" {
		return invalid("host is required for imap accounts")
	}
	if req.Port < 0 || req.Port > 65535 {
		return invalid("port %d out of range", req.Port)
	}
	if req.Proxy != "" {
		u, err := url.Parse(req.Proxy)
		if err != nil || u.Host == "" {
			return invalid("bad proxy url %q", req.Proxy)
		}
	}
	if req.UserID == "" {
		req.UserID = "local"
	}
	return nil
}

// Create seals the password and stores the account.
func (s *AccountService) Create(ctx context.Context, req NewAccount) (*models.Account, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if s.cipher == nil {
		return nil, ErrNoEncryptionKey
	}
	sealed, err := s.cipher.Encrypt(req.Password)
	if err != nil {
		return nil, fmt.Errorf("sealing credentials: %w", err)
	}

	account := &models.Account{
		UserID:               req.UserID,
		Provider:             req.Provider,
		EmailAddress:         req.Email,
		EncryptedCredentials: sealed,
		IMAPConfig: &models.IMAPConfig{
			Host:     req.Host,
			Port:     req.Port,
			Secure:   req.Secure,
			Username: req.Username,
		},
		Proxy: req.Proxy,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Info("Created %s account %d for %s", account.Provider, account.ID, account.EmailAddress)
	return account, nil
}

func (s *AccountService) List(ctx context.Context) ([]models.Account, error) {
	accounts, err := s.accounts.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	return accounts, nil
}

func (s *AccountService) get(ctx context.Context, id uint) (*models.Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	return account, err
}

// Remove deletes the account, its messages and its history, then drops its
// cached views. It refuses while a pass holds the account.
func (s *AccountService) Remove(ctx context.Context, id uint) error {
	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	if !s.lock.TryAcquire(id) {
		return fmt.Errorf("account %d: %w", id, ErrSyncInProgress)
	}
	defer s.lock.Release(id)

	if err := s.accounts.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
		}
		return err
	}
	if err := s.cache.InvalidateAccount(ctx, id); err != nil {
		s.logger.Warn("Cache invalidation failed for removed account %d: %v", id, err)
	}
	s.logger.Info("Removed account %d", id)
	return nil
}

// TestConnection logs in, lists folders and disconnects.
func (s *AccountService) TestConnection(ctx context.Context, id uint) (*ConnectionResult, error) {
	account, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	conn, err := s.fetcher.Connect(ctx, account)
	if err != nil {
		s.logger.Warn("Connection test failed for %s: %v", account.EmailAddress, err)
		return &ConnectionResult{Error: err.Error()}, nil
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Debug("Closing test connection for %s: %v", account.EmailAddress, cerr)
		}
	}()

	folders, err := conn.ListFolders(ctx)
	if err != nil {
		return &ConnectionResult{Error: err.Error()}, nil
	}
	return &ConnectionResult{Success: true, Folders: len(folders)}, nil
}
