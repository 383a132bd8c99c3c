package services

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mailsync/internal/models"
	"mailsync/internal/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"golang.org/x/net/proxy"
)

const defaultIMAPPort = 993

// DefaultIMAPHost returns the well known IMAP host of a provider, or "" for
// generic IMAP accounts.
func DefaultIMAPHost(provider models.ProviderKind) string {
	switch provider {
	case models.ProviderGmail:
		return "imap.gmail.com"
	case models.ProviderOutlook:
		return "outlook.office365.com"
	}
	return ""
}

// imapEndpoint is where and how to reach an account's server.
type imapEndpoint struct {
	Host   string
	Port   int
	Secure bool
}

func (e imapEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func resolveEndpoint(account *models.Account) (imapEndpoint, error) {
	ep := imapEndpoint{
		Host:   DefaultIMAPHost(account.Provider),
		Port:   defaultIMAPPort,
		Secure: true,
	}
	if cfg := account.IMAPConfig; cfg != nil {
		if cfg.Host != "" {
			ep.Host = cfg.Host
		}
		if cfg.Port != 0 {
			ep.Port = cfg.Port
		}
		ep.Secure = cfg.Secure || ep.Port == defaultIMAPPort
	}
	if ep.Host == "" {
		return ep, fmt.Errorf("no IMAP host configured for %s", account.EmailAddress)
	}
	return ep, nil
}

// IMAPFetcher reads mailboxes over IMAP with password or XOAUTH2 login.
type IMAPFetcher struct {
	cipher  *CredentialCipher
	oauth   *OAuth2Service
	parser  *ParserService
	timeout time.Duration
	logger  *utils.Logger
}

// NewIMAPFetcher creates an IMAP fetcher. cipher may be nil when every
// account carries its password in IMAPConfig or uses OAuth2.
func NewIMAPFetcher(cipher *CredentialCipher, oauth *OAuth2Service, timeout time.Duration) *IMAPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IMAPFetcher{
		cipher:  cipher,
		oauth:   oauth,
		parser:  NewParserService(),
		timeout: timeout,
		logger:  utils.NewLogger("IMAPFetcher"),
	}
}

// Connect dials and authenticates. The returned connection must be closed.
func (f *IMAPFetcher) Connect(ctx context.Context, account *models.Account) (MailboxConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, networkError("connect", err)
	}
	c, err := f.dial(account)
	if err != nil {
		return nil, err
	}
	c.Timeout = f.timeout

	if err := f.authenticate(ctx, c, account); err != nil {
		_ = c.Logout()
		return nil, err
	}

	f.logger.Info("Successfully connected and logged in for %s", account.EmailAddress)
	return &imapConn{client: c, parser: f.parser, logger: f.logger, account: account}, nil
}

func (f *IMAPFetcher) dial(account *models.Account) (*client.Client, error) {
	ep, err := resolveEndpoint(account)
	if err != nil {
		return nil, networkError("resolve", err)
	}
	f.logger.Info("Connecting to IMAP server %s for %s", ep.Addr(), account.EmailAddress)

	var dialer client.Dialer = &net.Dialer{Timeout: f.timeout}
	if account.Proxy != "" {
		proxyURL, err := url.Parse(account.Proxy)
		if err != nil {
			return nil, networkError("proxy", fmt.Errorf("invalid proxy URL: %w", err))
		}
		pd, err := createProxyDialer(proxyURL, f.timeout, f.logger)
		if err != nil {
			return nil, networkError("proxy", err)
		}
		f.logger.Debug("Connecting via %s proxy", proxyURL.Scheme)
		dialer = pd
	}

	var c *client.Client
	if ep.Secure {
		c, err = client.DialWithDialerTLS(dialer, ep.Addr(), &tls.Config{ServerName: ep.Host})
	} else {
		c, err = client.DialWithDialer(dialer, ep.Addr())
	}
	if err != nil {
		return nil, networkError("dial", fmt.Errorf("%s: %w", ep.Addr(), err))
	}
	return c, nil
}

func (f *IMAPFetcher) authenticate(ctx context.Context, c *client.Client, account *models.Account) error {
	if UsesOAuth2(account) {
		if f.oauth == nil {
			return authError("login", errors.New("OAuth2 is not configured"))
		}
		token, err := f.oauth.AccessToken(ctx, account)
		if err != nil {
			return err
		}
		if err := c.Authenticate(NewOAuth2SASLClient(account.EmailAddress, token)); err != nil {
			return authError("xoauth2", err)
		}
		return nil
	}

	username, password, err := f.passwordCredentials(account)
	if err != nil {
		return authError("credentials", err)
	}
	if err := c.Login(username, password); err != nil {
		return authError("login", err)
	}
	return nil
}

func (f *IMAPFetcher) passwordCredentials(account *models.Account) (string, string, error) {
	username := account.EmailAddress
	if cfg := account.IMAPConfig; cfg != nil {
		if cfg.Username != "" {
			username = cfg.Username
		}
		if cfg.Password != "" {
			return username, cfg.Password, nil
		}
	}
	if account.EncryptedCredentials == "" {
		return "", "", ErrMissingCredentials
	}
	if f.cipher == nil {
		return "", "", ErrNoEncryptionKey
	}
	password, err := f.cipher.Decrypt(account.EncryptedCredentials)
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

type imapConn struct {
	client  *client.Client
	parser  *ParserService
	logger  *utils.Logger
	account *models.Account
}

// ListFolders returns every selectable mailbox, hierarchy flattened.
func (c *imapConn) ListFolders(ctx context.Context) ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, m.Name)
	}
	if err := <-done; err != nil {
		return nil, networkError("list", err)
	}
	return folders, nil
}

func hasAttr(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// FetchSince returns the newest max messages of folder matching SINCE,
// oldest first. SINCE is day granular so the window may reach back to the
// start of since's day; the store's dedupe absorbs the overlap.
func (c *imapConn) FetchSince(ctx context.Context, folder string, since time.Time, max int) ([]models.Email, error) {
	if err := ctx.Err(); err != nil {
		return nil, networkError("fetch", err)
	}
	mbox, err := c.client.Select(folder, true)
	if err != nil {
		return nil, networkError("select", fmt.Errorf("%s: %w", folder, err))
	}
	c.logger.Debug("Selected mailbox %s: %d total messages", folder, mbox.Messages)
	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	seqNums, err := c.client.Search(criteria)
	if err != nil {
		return nil, networkError("search", err)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}
	if max > 0 && len(seqNums) > max {
		seqNums = seqNums[len(seqNums)-max:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.Fetch(seqset, items, messages)
	}()

	var emails []models.Email
	for msg := range messages {
		email, err := c.convert(msg, section, folder)
		if err != nil {
			c.logger.Warn("Skipping unparsable message %d in %s: %v", msg.SeqNum, folder, err)
			continue
		}
		emails = append(emails, *email)
	}
	if err := <-done; err != nil {
		return nil, networkError("fetch", err)
	}

	return emails, nil
}

func (c *imapConn) convert(msg *imap.Message, section *imap.BodySectionName, folder string) (*models.Email, error) {
	body := msg.GetBody(section)
	if body == nil {
		return nil, errors.New("server returned no body")
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	email, err := c.parser.ParseEmail(raw)
	if err != nil {
		return nil, err
	}
	email.Folder = folder
	email.Flags = models.StringSlice(msg.Flags)
	if email.Flags == nil {
		email.Flags = models.StringSlice{}
	}
	if !msg.InternalDate.IsZero() {
		email.ReceivedDate = msg.InternalDate
	}
	return email, nil
}

func (c *imapConn) Close() error {
	return c.client.Logout()
}

// createProxyDialer returns a dialer tunnelling through a SOCKS5 or HTTP
// CONNECT proxy.
func createProxyDialer(proxyURL *url.URL, timeout time.Duration, logger *utils.Logger) (proxy.Dialer, error) {
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		return proxy.FromURL(proxyURL, &net.Dialer{Timeout: timeout})
	case "http", "https":
		return &httpProxyDialer{proxyURL: proxyURL, timeout: timeout, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}
}

// httpProxyDialer implements proxy.Dialer for HTTP/HTTPS proxies
type httpProxyDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
	logger   *utils.Logger
}

// Dial implements the proxy.Dialer interface
func (d *httpProxyDialer) Dial(network, addr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if proxyHost == "" {
		return nil, fmt.Errorf("proxy URL missing host")
	}
	if d.proxyURL.Port() == "" {
		if d.proxyURL.Scheme == "https" {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	dialer := &net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second}
	var proxyConn net.Conn
	var err error
	if d.proxyURL.Scheme == "https" {
		proxyConn, err = tls.DialWithDialer(dialer, "tcp", proxyHost, &tls.Config{
			ServerName: d.proxyURL.Hostname(),
		})
	} else {
		proxyConn, err = dialer.Dial(network, proxyHost)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy at %s: %w", proxyHost, err)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", addr)
	fmt.Fprintf(&req, "Host: %s\r\n", addr)
	req.WriteString("User-Agent: mailsync/1.0\r\n")
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := proxyConn.Write([]byte(req.String())); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	_ = proxyConn.SetReadDeadline(time.Now().Add(d.timeout))
	reader := bufio.NewReader(proxyConn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		proxyConn.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("proxy closed connection unexpectedly (EOF)")
		}
		return nil, fmt.Errorf("failed to read proxy response: %w", err)
	}

	parts := strings.Fields(statusLine)
	if len(parts) < 2 {
		proxyConn.Close()
		return nil, fmt.Errorf("invalid proxy response: %s", strings.TrimSpace(statusLine))
	}
	if parts[1] != "200" {
		proxyConn.Close()
		switch parts[1] {
		case "407":
			return nil, fmt.Errorf("proxy authentication required (407)")
		case "403":
			return nil, fmt.Errorf("proxy access forbidden (403)")
		default:
			return nil, fmt.Errorf("proxy connection failed: %s", strings.TrimSpace(statusLine))
		}
	}

	// discard headers
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			proxyConn.Close()
			return nil, fmt.Errorf("failed to read proxy headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	_ = proxyConn.SetReadDeadline(time.Time{})

	if reader.Buffered() > 0 {
		// server spoke first (IMAP greeting) and it is sitting in our buffer
		return &bufferedConn{Conn: proxyConn, r: reader}, nil
	}
	d.logger.Debug("Established tunnel to %s via %s", addr, proxyHost)
	return proxyConn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// ProviderFetcher routes gmail accounts with delegated tokens to the Gmail
// API and everything else to IMAP.
type ProviderFetcher struct {
	imap  MailboxFetcher
	gmail MailboxFetcher
}

func NewProviderFetcher(imapFetcher, gmailFetcher MailboxFetcher) *ProviderFetcher {
	return &ProviderFetcher{imap: imapFetcher, gmail: gmailFetcher}
}

func (f *ProviderFetcher) Connect(ctx context.Context, account *models.Account) (MailboxConn, error) {
	if f.gmail != nil && account.Provider == models.ProviderGmail && UsesOAuth2(account) {
		return f.gmail.Connect(ctx, account)
	}
	return f.imap.Connect(ctx, account)
}
