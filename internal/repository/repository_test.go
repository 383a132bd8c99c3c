package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"mailsync/internal/database"
	"mailsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func seedAccount(t *testing.T, db *gorm.DB) *models.Account {
	t.Helper()
	account := &models.Account{
		UserID:               "user-1",
		Provider:             models.ProviderIMAP,
		EmailAddress:         fmt.Sprintf("alice+%d@example.com", time.Now().UnixNano()),
		EncryptedCredentials: "opaque",
	}
	require.NoError(t, NewAccountRepository(db).Create(context.Background(), account))
	return account
}

func newEmail(accountID uint, messageID, folder string, date time.Time) *models.Email {
	return &models.Email{
		MessageID: messageID,
		ThreadID:  messageID,
		AccountID: accountID,
		Folder:    folder,
		From:      models.Address{Name: "Bob", Address: "bob@example.com"},
		To:        models.AddressList{{Address: "alice@example.com"}},
		Subject:   "subject " + messageID,
		Body:      models.Body{Text: "hello " + messageID},
		Flags:     models.StringSlice{},
		Date:      date,
		SyncedAt:  time.Now(),
	}
}

func TestEmailInsertAndExists(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	exists, err := repo.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.Insert(ctx, newEmail(account.ID, "m1", "INBOX", time.Now())))

	exists, err = repo.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEmailInsertDuplicateIsConflict(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newEmail(account.ID, "m1", "INBOX", time.Now())))
	err := repo.Insert(ctx, newEmail(account.ID, "m1", "INBOX", time.Now()))
	assert.ErrorIs(t, err, ErrConflict)

	count, err := repo.Count(ctx, account.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEmailConcurrentInsertKeepsOneCopy(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Insert(ctx, newEmail(account.ID, "same-id", "INBOX", time.Now()))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, succeeded)

	count, err := repo.Count(ctx, account.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEmailQueryOrderingAndPaging(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(ctx, newEmail(account.ID, "a", "INBOX", base)))
	require.NoError(t, repo.Insert(ctx, newEmail(account.ID, "b", "INBOX", base.Add(2*time.Hour))))
	require.NoError(t, repo.Insert(ctx, newEmail(account.ID, "c", "Sent", base.Add(time.Hour))))

	inbox, err := repo.Query(ctx, account.ID, "INBOX", 10, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "b", inbox[0].MessageID)
	assert.Equal(t, "a", inbox[1].MessageID)

	page, err := repo.Query(ctx, account.ID, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].MessageID)

	recent, err := repo.Recent(ctx, account.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].MessageID)
	assert.Equal(t, "c", recent[1].MessageID)
}

func TestEmailRoundTripsJSONColumns(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	email := newEmail(account.ID, "json", "INBOX", time.Now())
	email.Flags = models.StringSlice{models.FlagSeen}
	email.Attachments = models.AttachmentList{{Filename: "a.pdf", ContentType: "application/pdf", Size: 12}}
	require.NoError(t, repo.Insert(ctx, email))

	got, err := repo.FindByMessageID(ctx, account.ID, "json")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", got.From.Address)
	assert.Equal(t, "alice@example.com", got.To[0].Address)
	assert.True(t, got.IsRead())
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "a.pdf", got.Attachments[0].Filename)
}

func TestEmailFindByMessageIDNotFound(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)

	_, err := NewEmailRepository(db).FindByMessageID(context.Background(), account.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmailSearch(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	invoice := newEmail(account.ID, "inv", "INBOX", time.Now())
	invoice.Subject = "Invoice 100%"
	require.NoError(t, repo.Insert(ctx, invoice))
	require.NoError(t, repo.Insert(ctx, newEmail(account.ID, "other", "INBOX", time.Now())))

	found, err := repo.Search(ctx, account.ID, "invoice", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "inv", found[0].MessageID)

	found, err = repo.Search(ctx, account.ID, "100%", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = repo.Search(ctx, account.ID, "bob@example.com", "INBOX", 10, 0)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestEmailDeleteAndSummary(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	email := newEmail(account.ID, "d", "INBOX", time.Now())
	require.NoError(t, repo.Insert(ctx, email))

	require.NoError(t, repo.UpdateSummary(ctx, email.ID, "short"))
	got, err := repo.FindByMessageID(ctx, account.ID, "d")
	require.NoError(t, err)
	assert.Equal(t, "short", got.AISummary)

	require.NoError(t, repo.Delete(ctx, email.ID))
	assert.ErrorIs(t, repo.Delete(ctx, email.ID), ErrNotFound)

	all, err := repo.ListByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAccountWatermark(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastSyncAt)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateWatermark(ctx, account.ID, at))

	got, err = repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(at))

	assert.ErrorIs(t, repo.UpdateWatermark(ctx, 9999, at), ErrNotFound)
	_, err = repo.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountCreateValidatesProvider(t *testing.T) {
	db := newTestDB(t)
	err := NewAccountRepository(db).Create(context.Background(), &models.Account{
		UserID:       "u",
		Provider:     "pop3",
		EmailAddress: "x@example.com",
	})
	require.Error(t, err)
}

func TestAccountListAllAndTokens(t *testing.T) {
	db := newTestDB(t)
	first := seedAccount(t, db)
	second := seedAccount(t, db)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	accounts, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, first.ID, accounts[0].ID)
	assert.Equal(t, second.ID, accounts[1].ID)

	tokens := &models.OAuth2Tokens{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, repo.UpdateTokens(ctx, first.ID, tokens))

	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OAuth2Tokens)
	assert.Equal(t, "rt", got.OAuth2Tokens.RefreshToken)
}

func TestSyncRunHistory(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	repo := NewSyncRunRepository(db)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Record(ctx, &models.SyncRun{AccountID: account.ID, StartedAt: start, NewMessages: 1}))
	require.NoError(t, repo.Record(ctx, &models.SyncRun{AccountID: account.ID, StartedAt: start.Add(time.Minute), Error: "boom"}))

	runs, err := repo.ListByAccount(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.False(t, runs[0].Succeeded())
	assert.True(t, runs[1].Succeeded())
}

func TestAccountDeleteRemovesOwnedRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	accounts := NewAccountRepository(db)
	emails := NewEmailRepository(db)
	runs := NewSyncRunRepository(db)

	gone := seedAccount(t, db)
	kept := seedAccount(t, db)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, emails.Insert(ctx, newEmail(gone.ID, "g1", "INBOX", day)))
	require.NoError(t, emails.Insert(ctx, newEmail(kept.ID, "k1", "INBOX", day)))
	require.NoError(t, runs.Record(ctx, &models.SyncRun{AccountID: gone.ID, StartedAt: day}))

	require.NoError(t, accounts.Delete(ctx, gone.ID))

	_, err := accounts.GetByID(ctx, gone.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := emails.Count(ctx, gone.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	history, err := runs.ListByAccount(ctx, gone.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	n, err = emails.Count(ctx, kept.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.ErrorIs(t, accounts.Delete(ctx, gone.ID), ErrNotFound)
}
