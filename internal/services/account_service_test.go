package services

import (
	"context"
	"errors"
	"testing"

	"mailsync/internal/cache"
	"mailsync/internal/database"
	"mailsync/internal/models"
	"mailsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accountFixture struct {
	service  *AccountService
	accounts *repository.AccountRepository
	messages *repository.EmailRepository
	results  *cache.ResultCache
	fetcher  *fakeFetcher
	cipher   *CredentialCipher
	lock     *SyncLock
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	cipher, err := NewCredentialCipher("s3cret")
	require.NoError(t, err)

	f := &accountFixture{
		accounts: repository.NewAccountRepository(db),
		messages: repository.NewEmailRepository(db),
		results:  cache.NewResultCache(cache.NewMemoryStore(), cache.DefaultTTLs()),
		fetcher:  &fakeFetcher{folders: []string{"INBOX", "Sent"}},
		cipher:   cipher,
		lock:     NewSyncLock(),
	}
	f.service = NewAccountService(f.accounts, cipher, f.fetcher, f.results, f.lock)
	return f
}

func validAccount() NewAccount {
	return NewAccount{
		Email:    "alice@example.com",
		Password: "hunter2",
		Host:     "imap.example.com",
		Port:     993,
		Secure:   true,
	}
}

func TestAccountCreateSealsPassword(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	account, err := f.service.Create(ctx, validAccount())
	require.NoError(t, err)
	assert.NotZero(t, account.ID)
	assert.Equal(t, models.ProviderIMAP, account.Provider)
	assert.Equal(t, "local", account.UserID)
	assert.NotContains(t, account.EncryptedCredentials, "hunter2")

	stored, err := f.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	plain, err := f.cipher.Decrypt(stored.EncryptedCredentials)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
	require.NotNil(t, stored.IMAPConfig)
	assert.Equal(t, "imap.example.com", stored.IMAPConfig.Host)
	assert.Equal(t, 993, stored.IMAPConfig.Port)

	_, err = f.service.Create(ctx, validAccount())
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestAccountCreateValidation(t *testing.T) {
	f := newAccountFixture(t)

	cases := map[string]func(*NewAccount){
		"bad email":     func(a *NewAccount) { a.Email = "not-an-address" },
		"no password":   func(a *NewAccount) { a.Password = "" },
		"no imap host":  func(a *NewAccount) { a.Host = " " },
		"bad provider":  func(a *NewAccount) { a.Provider = "pigeon" },
		"port range":    func(a *NewAccount) { a.Port = 70000 },
		"bad proxy url": func(a *NewAccount) { a.Proxy = "socks5://" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validAccount()
			mutate(&req)
			_, err := f.service.Create(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidAccount)
		})
	}

	all, err := f.service.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAccountCreateWithoutKey(t *testing.T) {
	f := newAccountFixture(t)
	service := NewAccountService(f.accounts, nil, f.fetcher, f.results, f.lock)

	_, err := service.Create(context.Background(), validAccount())
	assert.ErrorIs(t, err, ErrNoEncryptionKey)
}

func TestAccountRemoveDropsMessagesAndCache(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	account, err := f.service.Create(ctx, validAccount())
	require.NoError(t, err)
	require.NoError(t, f.messages.Insert(ctx, &models.Email{MessageID: "m1", AccountID: account.ID, Folder: "INBOX", Flags: models.StringSlice{}}))
	before, ok := f.results.Generation(ctx, account.ID)
	require.True(t, ok)

	require.NoError(t, f.service.Remove(ctx, account.ID))

	count, err := f.messages.Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	after, ok := f.results.Generation(ctx, account.ID)
	require.True(t, ok)
	assert.Equal(t, before+1, after)
	assert.False(t, f.lock.Held(account.ID))

	err = f.service.Remove(ctx, account.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountRemoveRefusesDuringSync(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	account, err := f.service.Create(ctx, validAccount())
	require.NoError(t, err)
	require.True(t, f.lock.TryAcquire(account.ID))

	err = f.service.Remove(ctx, account.ID)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	f.lock.Release(account.ID)
	_, err = f.accounts.GetByID(ctx, account.ID)
	assert.NoError(t, err)
}

func TestAccountTestConnection(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	account, err := f.service.Create(ctx, validAccount())
	require.NoError(t, err)

	result, err := f.service.TestConnection(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Folders)
	assert.Equal(t, 1, f.fetcher.closeCount())

	f.fetcher.connectErr = errors.New("login rejected")
	result, err = f.service.TestConnection(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "login rejected", result.Error)
	assert.Equal(t, 1, f.fetcher.closeCount())

	_, err = f.service.TestConnection(ctx, account.ID+100)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
