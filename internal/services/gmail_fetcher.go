package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailsync/internal/models"
	"mailsync/internal/utils"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailFetcher reads gmail accounts through the Gmail API using the
// account's delegated token. Labels play the role of folders.
type GmailFetcher struct {
	oauth    *OAuth2Service
	parser   *ParserService
	endpoint string
	logger   *utils.Logger
}

func NewGmailFetcher(oauth *OAuth2Service) *GmailFetcher {
	return &GmailFetcher{
		oauth:  oauth,
		parser: NewParserService(),
		logger: utils.NewLogger("GmailFetcher"),
	}
}

// WithEndpoint points the client at another API base URL.
func (f *GmailFetcher) WithEndpoint(endpoint string) *GmailFetcher {
	f.endpoint = endpoint
	return f
}

func (f *GmailFetcher) Connect(ctx context.Context, account *models.Account) (MailboxConn, error) {
	httpClient, err := f.oauth.HTTPClient(ctx, account)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, networkError("gmail client", err)
	}
	return &gmailConn{service: service, parser: f.parser, logger: f.logger, labels: map[string]string{}}, nil
}

type gmailConn struct {
	service *gmail.Service
	parser  *ParserService
	logger  *utils.Logger
	labels  map[string]string // name -> id
}

func (c *gmailConn) ListFolders(ctx context.Context) ([]string, error) {
	resp, err := c.service.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, classifyGmailError("list labels", err)
	}
	var names []string
	for _, label := range resp.Labels {
		c.labels[label.Name] = label.Id
		names = append(names, label.Name)
	}
	return names, nil
}

// FetchSince lists message ids newest first, keeps the newest max and then
// fetches each raw message, returning them oldest first.
func (c *gmailConn) FetchSince(ctx context.Context, folder string, since time.Time, max int) ([]models.Email, error) {
	labelID, ok := c.labels[folder]
	if !ok {
		labelID = folder
	}

	var ids []string
	call := c.service.Users.Messages.List("me").
		LabelIds(labelID).
		Q(fmt.Sprintf("after:%d", since.Unix())).
		Context(ctx)
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			if max > 0 && len(ids) >= max {
				return errStopPaging
			}
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return nil, classifyGmailError("list messages", err)
	}

	emails := make([]models.Email, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		msg, err := c.service.Users.Messages.Get("me", ids[i]).Format("raw").Context(ctx).Do()
		if err != nil {
			return nil, classifyGmailError("get message", err)
		}
		email, err := c.convert(msg, folder)
		if err != nil {
			c.logger.Warn("Skipping unparsable gmail message %s: %v", ids[i], err)
			continue
		}
		emails = append(emails, *email)
	}
	return emails, nil
}

var errStopPaging = errors.New("stop paging")

func (c *gmailConn) convert(msg *gmail.Message, folder string) (*models.Email, error) {
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("decoding raw message: %w", err)
		}
	}
	email, err := c.parser.ParseEmail(raw)
	if err != nil {
		return nil, err
	}
	email.Folder = folder
	email.Flags = gmailFlags(msg.LabelIds)
	if msg.InternalDate > 0 {
		email.ReceivedDate = time.UnixMilli(msg.InternalDate)
	}
	if msg.ThreadId != "" {
		email.ThreadID = msg.ThreadId
	}
	return email, nil
}

// gmailFlags maps labels to IMAP style flags.
func gmailFlags(labels []string) models.StringSlice {
	flags := models.StringSlice{}
	unread := false
	for _, label := range labels {
		switch label {
		case "UNREAD":
			unread = true
		case "STARRED":
			flags = append(flags, `\Flagged`)
		case "DRAFT":
			flags = append(flags, `\Draft`)
		}
	}
	if !unread {
		flags = append(flags, models.FlagSeen)
	}
	return flags
}

func classifyGmailError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "unauthorized") {
		return authError(op, err)
	}
	return networkError(op, err)
}

func (c *gmailConn) Close() error {
	return nil
}
