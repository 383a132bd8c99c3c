package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"mailsync/internal/cache"
	"mailsync/internal/database"
	"mailsync/internal/models"
	"mailsync/internal/repository"
	"mailsync/internal/services"
	"mailsync/internal/utils"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	mu     sync.Mutex
	emails []models.Email
	err    error
}

func (f *stubFetcher) Connect(context.Context, *models.Account) (services.MailboxConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &stubConn{emails: append([]models.Email(nil), f.emails...)}, nil
}

type stubConn struct {
	emails []models.Email
}

func (c *stubConn) ListFolders(context.Context) ([]string, error) {
	return []string{"INBOX"}, nil
}

func (c *stubConn) FetchSince(context.Context, string, time.Time, int) ([]models.Email, error) {
	return c.emails, nil
}

func (c *stubConn) Close() error { return nil }

type echoSummarizer struct{}

func (echoSummarizer) Summarize(_ context.Context, text, html string) (string, error) {
	return "summary of " + text + html, nil
}

type testServer struct {
	*httptest.Server
	fetcher *stubFetcher
	account *models.Account
}

func message(id, thread string, hour int) models.Email {
	return models.Email{
		MessageID: id,
		ThreadID:  thread,
		Subject:   "subject " + id,
		From:      models.Address{Address: "sender@example.com"},
		Body:      models.Body{Text: "body " + id},
		Flags:     models.StringSlice{},
		Date:      time.Date(2024, 3, 1, hour, 0, 0, 0, time.UTC),
	}
}

func newTestServer(t *testing.T, summarizer services.Summarizer) *testServer {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	ctx := context.Background()
	accounts := repository.NewAccountRepository(db)
	emails := repository.NewEmailRepository(db)
	runs := repository.NewSyncRunRepository(db)

	account := &models.Account{UserID: "u1", Provider: models.ProviderIMAP, EmailAddress: "me@example.com", EncryptedCredentials: "sealed"}
	require.NoError(t, accounts.Create(ctx, account))

	resultCache := cache.NewResultCache(cache.NewMemoryStore(), cache.DefaultTTLs())
	fetcher := &stubFetcher{emails: []models.Email{message("a@x", "T1", 1), message("b@x", "T1", 2)}}
	hub := NewHub()
	coordinator := services.NewSyncCoordinator(accounts, emails, fetcher, resultCache, hub, services.SyncOptions{}).WithRecorder(runs)
	hub.SetStatusProvider(coordinator)

	cipher, err := services.NewCredentialCipher("test-key")
	require.NoError(t, err)
	onboarding := services.NewAccountService(accounts, cipher, fetcher, resultCache, coordinator.Lock())

	handler := NewAPIHandler(coordinator, onboarding, services.NewEmailService(emails, resultCache, summarizer), summarizer, runs, nil)
	srv := httptest.NewServer(NewRouter(handler, hub))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, fetcher: fetcher, account: account}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSyncThenRead(t *testing.T) {
	s := newTestServer(t, nil)

	var synced SyncAccountResponse
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/sync/accounts/1", nil, &synced))
	assert.Equal(t, 2, synced.Synced)
	assert.False(t, synced.Skipped)
	assert.Equal(t, "INBOX", synced.Folder)

	var emails []models.Email
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts/1/emails?folder=INBOX&limit=10", nil, &emails))
	require.Len(t, emails, 2)
	assert.Equal(t, "b@x", emails[0].MessageID)

	var status services.SyncStatus
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/sync/accounts/1/status", nil, &status))
	assert.Equal(t, int64(2), status.EmailCount)
	assert.False(t, status.Syncing)
	assert.NotNil(t, status.LastSyncAt)

	var threads []models.Thread
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts/1/threads", nil, &threads))
	require.Len(t, threads, 1)
	assert.Len(t, threads[0].Emails, 2)

	var one models.Email
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts/1/emails/a@x", nil, &one))
	assert.Equal(t, "body a@x", one.Body.Text)

	var found []models.Email
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts/1/search?q=body+b", nil, &found))
	require.Len(t, found, 1)

	var runs []models.SyncRun
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts/1/sync-runs", nil, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "manual", runs[0].Trigger)
	assert.Equal(t, 2, runs[0].NewMessages)

	// second pass finds nothing new
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/sync/accounts/1", nil, &synced))
	assert.Zero(t, synced.Synced)
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	req := services.NewAccount{Email: "new@example.com", Password: "pw", Host: "imap.example.com", Port: 993, Secure: true}
	var created models.Account
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/accounts", req, &created))
	assert.Equal(t, "new@example.com", created.EmailAddress)
	assert.Empty(t, created.EncryptedCredentials)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do(t, "POST", "/api/accounts", req, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/accounts", services.NewAccount{Email: "nope"}, &errResp))
	assert.Contains(t, errResp.Error, "invalid account")

	var listed []models.Account
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts", nil, &listed))
	assert.Len(t, listed, 2)

	var result services.ConnectionResult
	path := "/api/accounts/" + strconv.FormatUint(uint64(created.ID), 10)
	require.Equal(t, http.StatusOK, s.do(t, "POST", path+"/test", nil, &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Folders)

	assert.Equal(t, http.StatusNoContent, s.do(t, "DELETE", path, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, "DELETE", path, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, "POST", path+"/test", nil, nil))

	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts", nil, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, s.account.ID, listed[0].ID)
}

func TestSyncErrors(t *testing.T) {
	s := newTestServer(t, nil)

	var resp SyncAccountResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, "POST", "/api/sync/accounts/42", nil, &resp))
	assert.NotEmpty(t, resp.Error)

	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/sync/accounts/abc", nil, nil))

	s.fetcher.mu.Lock()
	s.fetcher.err = &services.FetchError{Kind: services.FetchErrorNetwork, Op: "dial", Err: errors.New("connection refused")}
	s.fetcher.mu.Unlock()

	resp = SyncAccountResponse{}
	assert.Equal(t, http.StatusBadGateway, s.do(t, "POST", "/api/sync/accounts/1", nil, &resp))
	assert.Contains(t, resp.Error, "connection refused")
	assert.Zero(t, resp.Synced)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/accounts/1/emails/missing@x", nil, &errResp))
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/sync/accounts/42/status", nil, nil))
}

func TestSyncAllRunsInBackground(t *testing.T) {
	s := newTestServer(t, nil)

	var msg MessageResponse
	require.Equal(t, http.StatusAccepted, s.do(t, "POST", "/api/sync/all", nil, &msg))
	assert.NotEmpty(t, msg.Message)

	require.Eventually(t, func() bool {
		var status services.SyncStatus
		s.do(t, "GET", "/api/sync/accounts/1/status", nil, &status)
		return status.EmailCount == 2 && !status.Syncing
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDedupe(t *testing.T) {
	s := newTestServer(t, nil)
	var resp DedupeResponse
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/sync/accounts/1/dedupe", nil, &resp))
	assert.Zero(t, resp.Removed)
}

func TestSummarizeEndpoints(t *testing.T) {
	s := newTestServer(t, echoSummarizer{})

	var summary SummaryResponse
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/ai/summarize", SummarizeRequest{Text: "hello"}, &summary))
	assert.Equal(t, "summary of hello", summary.Summary)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/ai/summarize", SummarizeRequest{}, nil))

	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/sync/accounts/1", nil, nil))
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/accounts/1/emails/a@x/summary", nil, &summary))
	assert.Equal(t, "summary of body a@x", summary.Summary)

	var stored models.Email
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/accounts/1/emails/a@x", nil, &stored))
	assert.Equal(t, "summary of body a@x", stored.AISummary)

	disabled := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, disabled.do(t, "POST", "/api/ai/summarize", SummarizeRequest{Text: "x"}, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/api/health", nil, nil))

	resp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodOptions, s.URL+"/api/sync/all", nil)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	preflight.Body.Close()
	assert.Equal(t, "*", preflight.Header.Get("Access-Control-Allow-Origin"))
}

func readFrame(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func dialWS(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketSubscription(t *testing.T) {
	s := newTestServer(t, nil)
	conn := dialWS(t, s)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: msgSubscribe, AccountID: 1}))
	hello := readFrame(t, conn)
	assert.Equal(t, "sync:status", hello.Type)
	assert.Equal(t, uint(1), hello.AccountID)

	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/sync/accounts/1", nil, nil))

	var kinds []string
	var newMessages int
	for {
		msg := readFrame(t, conn)
		kinds = append(kinds, msg.Type)
		if msg.Type == "sync:status" {
			data := msg.Data.(map[string]interface{})
			newMessages = int(data["newMessages"].(float64))
			break
		}
	}
	assert.Equal(t, "sync:started", kinds[0])
	assert.Contains(t, kinds, "email:new")
	assert.Contains(t, kinds, "sync:progress")
	assert.Equal(t, 2, newMessages)
}

func TestWebSocketOnlySubscribedAccounts(t *testing.T) {
	s := newTestServer(t, nil)
	conn := dialWS(t, s)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: msgSubscribe, AccountID: 7}))
	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply.Type, "unknown account")

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: msgUnsubscribe, AccountID: 7}))
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/sync/accounts/1", nil, nil))

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: msgPing}))
	assert.Equal(t, "pong", readFrame(t, conn).Type, "no account 1 events were queued ahead of the pong")
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub()
	c := &wsClient{id: "slow", send: make(chan []byte, 1), accounts: map[uint]bool{3: true}}
	hub.clients[c.id] = c

	hub.Emit(services.EventSyncProgress, 3, services.SyncProgressEvent{AccountID: 3, Current: 1, Total: 2})
	assert.Equal(t, 1, hub.Clients())
	hub.Emit(services.EventSyncProgress, 3, services.SyncProgressEvent{AccountID: 3, Current: 2, Total: 2})
	assert.Zero(t, hub.Clients())

	// emitting to nobody is fine
	hub.Emit(services.EventSyncStarted, 3, nil)
}

func TestHubDropsUnresponsivePeers(t *testing.T) {
	hub := NewHub()
	hub.pongWait = 300 * time.Millisecond
	hub.pingInterval = 50 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// a reading client answers pings through the default ping handler
	live, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { live.Close() })
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// a half-open peer never reads, so it never pongs
	silent, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { silent.Close() })

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(2 * hub.pongWait)
	assert.Equal(t, 1, hub.Clients(), "the responsive client stays connected")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(utils.NewLogger("test"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal server error", body.Error)
}
