package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"mailsync/internal/models"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParserService is responsible for parsing raw email content.
type ParserService struct{}

// NewParserService creates a new ParserService.
func NewParserService() *ParserService {
	return &ParserService{}
}

// ParseEmail parses an RFC 5322 message into an Email. Attachment bodies are
// measured and dropped; only their metadata is kept.
func (s *ParserService) ParseEmail(rawEmail []byte) (*models.Email, error) {
	m, err := mail.CreateReader(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer m.Close()

	header := m.Header
	email := &models.Email{
		Flags: models.StringSlice{},
	}

	if subject, err := header.Subject(); err == nil {
		email.Subject = subject
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		email.Date = date
	}
	if messageID, err := header.MessageID(); err == nil && messageID != "" {
		email.MessageID = messageID
	} else {
		email.MessageID = syntheticMessageID(rawEmail)
	}
	email.ThreadID = threadIDFromHeader(&header, email.MessageID)

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = convertMailAddress(from[0])
	}
	if to, err := header.AddressList("To"); err == nil {
		email.To = convertMailAddresses(to)
	}
	if cc, err := header.AddressList("Cc"); err == nil {
		email.Cc = convertMailAddresses(cc)
	}
	if bcc, err := header.AddressList("Bcc"); err == nil {
		email.Bcc = convertMailAddresses(bcc)
	}

	var textBody, htmlBody strings.Builder
	for {
		p, err := m.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch contentType {
			case "text/plain":
				textBody.Write(b)
			case "text/html":
				htmlBody.Write(b)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, p.Body)
			email.Attachments = append(email.Attachments, models.AttachmentMeta{
				Filename:    filename,
				ContentType: contentType,
				Size:        size,
				ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
			})
		}
	}

	email.Body = models.Body{Text: textBody.String(), HTML: htmlBody.String()}
	if email.Date.IsZero() {
		email.Date = time.Now()
	}
	email.ReceivedDate = email.Date
	return email, nil
}

// threadIDFromHeader returns the conversation root: the first References
// entry, else In-Reply-To, else the message's own id.
func threadIDFromHeader(header *mail.Header, messageID string) string {
	if refs, err := header.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if parents, err := header.MsgIDList("In-Reply-To"); err == nil && len(parents) > 0 {
		return parents[0]
	}
	return messageID
}

// syntheticMessageID gives messages without a Message-ID header a stable id
// so re-fetching them stays idempotent.
func syntheticMessageID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16]) + "@mailsync.local"
}

func convertMailAddress(addr *mail.Address) models.Address {
	if addr == nil {
		return models.Address{}
	}
	return models.Address{Name: addr.Name, Address: addr.Address}
}

func convertMailAddresses(addresses []*mail.Address) models.AddressList {
	result := models.AddressList{}
	for _, addr := range addresses {
		if addr != nil {
			result = append(result, convertMailAddress(addr))
		}
	}
	return result
}
