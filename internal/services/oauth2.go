package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"mailsync/internal/config"
	"mailsync/internal/models"
	"mailsync/internal/utils"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

var (
	gmailScopes   = []string{"https://mail.google.com/"}
	outlookScopes = []string{"https://outlook.office.com/IMAP.AccessAsUser.All", "offline_access"}
)

// TokenStore persists refreshed OAuth2 tokens.
type TokenStore interface {
	UpdateTokens(ctx context.Context, id uint, tokens *models.OAuth2Tokens) error
}

// OAuth2Service hands out valid access tokens for delegated accounts,
// refreshing and persisting them when they expire.
type OAuth2Service struct {
	configs map[models.ProviderKind]*oauth2.Config
	tokens  TokenStore
	logger  *utils.Logger
	mu      sync.Mutex
}

func NewOAuth2Service(cfg config.OAuthConfig, tokens TokenStore) *OAuth2Service {
	tenant := cfg.MicrosoftTenant
	if tenant == "" {
		tenant = "common"
	}
	return &OAuth2Service{
		configs: map[models.ProviderKind]*oauth2.Config{
			models.ProviderGmail: {
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				Endpoint:     google.Endpoint,
				Scopes:       gmailScopes,
			},
			models.ProviderOutlook: {
				ClientID:     cfg.MicrosoftClientID,
				ClientSecret: cfg.MicrosoftClientSecret,
				Endpoint:     microsoft.AzureADEndpoint(tenant),
				Scopes:       outlookScopes,
			},
		},
		tokens: tokens,
		logger: utils.NewLogger("OAuth2"),
	}
}

// UsesOAuth2 reports whether the account authenticates with delegated tokens.
func UsesOAuth2(account *models.Account) bool {
	if account.OAuth2Tokens == nil {
		return false
	}
	return account.Provider == models.ProviderGmail || account.Provider == models.ProviderOutlook
}

// TokenSource returns a source that refreshes the account's token on
// expiry and writes every new token back to the store.
func (s *OAuth2Service) TokenSource(ctx context.Context, account *models.Account) (oauth2.TokenSource, error) {
	if !UsesOAuth2(account) {
		return nil, fmt.Errorf("account %d has no OAuth2 tokens", account.ID)
	}
	cfg, ok := s.configs[account.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider type: %s", account.Provider)
	}

	current := &oauth2.Token{
		AccessToken:  account.OAuth2Tokens.AccessToken,
		RefreshToken: account.OAuth2Tokens.RefreshToken,
		Expiry:       account.OAuth2Tokens.ExpiresAt,
		TokenType:    "Bearer",
	}
	return &persistingTokenSource{
		ctx:     ctx,
		service: s,
		account: account,
		base:    oauth2.ReuseTokenSource(current, cfg.TokenSource(ctx, current)),
		last:    current.AccessToken,
	}, nil
}

// AccessToken returns a currently valid access token for the account.
func (s *OAuth2Service) AccessToken(ctx context.Context, account *models.Account) (string, error) {
	src, err := s.TokenSource(ctx, account)
	if err != nil {
		return "", authError("oauth2 token", err)
	}
	token, err := src.Token()
	if err != nil {
		return "", authError("oauth2 refresh", describeTokenError(err))
	}
	return token.AccessToken, nil
}

// HTTPClient returns a client that authorizes requests as the account.
func (s *OAuth2Service) HTTPClient(ctx context.Context, account *models.Account) (*http.Client, error) {
	src, err := s.TokenSource(ctx, account)
	if err != nil {
		return nil, authError("oauth2 token", err)
	}
	return oauth2.NewClient(ctx, src), nil
}

func describeTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return fmt.Errorf("refresh token rejected (expired, revoked or issued to another client): %w", err)
	}
	return err
}

type persistingTokenSource struct {
	ctx     context.Context
	service *OAuth2Service
	account *models.Account
	base    oauth2.TokenSource
	last    string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.service.mu.Lock()
	defer p.service.mu.Unlock()
	if token.AccessToken == p.last {
		return token, nil
	}
	p.last = token.AccessToken

	refreshed := &models.OAuth2Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = p.account.OAuth2Tokens.RefreshToken
	}
	p.account.OAuth2Tokens = refreshed
	p.service.logger.Info("Refreshed OAuth2 token for %s", p.account.EmailAddress)

	if p.service.tokens != nil {
		if err := p.service.tokens.UpdateTokens(p.ctx, p.account.ID, refreshed); err != nil {
			p.service.logger.Warn("Failed to persist refreshed token for account %d: %v", p.account.ID, err)
		}
	}
	return token, nil
}

// OAuth2SASLClient implements the SASL XOAUTH2 mechanism
type OAuth2SASLClient struct {
	email       string
	accessToken string
}

// NewOAuth2SASLClient creates a new OAuth2 SASL client
func NewOAuth2SASLClient(email, accessToken string) sasl.Client {
	return &OAuth2SASLClient{
		email:       email,
		accessToken: accessToken,
	}
}

// Start begins the SASL authentication
func (c *OAuth2SASLClient) Start() (mech string, ir []byte, err error) {
	mech = "XOAUTH2"
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.email, c.accessToken))
	return
}

// Next answers a server error challenge with an empty response so the
// server can finish with a tagged NO.
func (c *OAuth2SASLClient) Next(challenge []byte) (response []byte, err error) {
	return []byte{}, nil
}
