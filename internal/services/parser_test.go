package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: Alice Example <alice@example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: Quarterly report\r\n" +
	"Date: Mon, 01 Apr 2024 10:00:00 +0000\r\n" +
	"Message-ID: <reply-2@example.com>\r\n" +
	"In-Reply-To: <reply-1@example.com>\r\n" +
	"References: <root@example.com> <reply-1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>See attached.</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-ID: <pdf1>\r\n" +
	"\r\n" +
	"PDFDATA\r\n" +
	"--outer--\r\n"

func TestParseEmailMultipart(t *testing.T) {
	email, err := NewParserService().ParseEmail([]byte(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "reply-2@example.com", email.MessageID)
	assert.Equal(t, "root@example.com", email.ThreadID)
	assert.Equal(t, "Quarterly report", email.Subject)
	assert.Equal(t, "alice@example.com", email.From.Address)
	assert.Equal(t, "Alice Example", email.From.Name)
	require.Len(t, email.To, 2)
	assert.Equal(t, "Carol", email.To[1].Name)
	require.Len(t, email.Cc, 1)
	assert.Equal(t, 2024, email.Date.Year())
	assert.True(t, email.ReceivedDate.Equal(email.Date))

	assert.Contains(t, email.Body.Text, "See attached.")
	assert.Contains(t, email.Body.HTML, "<p>See attached.</p>")

	require.Len(t, email.Attachments, 1)
	assert.Equal(t, "report.pdf", email.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", email.Attachments[0].ContentType)
	assert.Equal(t, "pdf1", email.Attachments[0].ContentID)
	assert.Positive(t, email.Attachments[0].Size)
}

func TestParseEmailThreadFallbacks(t *testing.T) {
	reply := "From: a@example.com\r\nMessage-ID: <child@x>\r\nIn-Reply-To: <parent@x>\r\nSubject: re\r\n\r\nbody\r\n"
	email, err := NewParserService().ParseEmail([]byte(reply))
	require.NoError(t, err)
	assert.Equal(t, "parent@x", email.ThreadID)

	root := "From: a@example.com\r\nMessage-ID: <root@x>\r\nSubject: hi\r\n\r\nbody\r\n"
	email, err = NewParserService().ParseEmail([]byte(root))
	require.NoError(t, err)
	assert.Equal(t, "root@x", email.ThreadID)
	assert.Equal(t, "body", strings.TrimSpace(email.Body.Text))
}

func TestParseEmailWithoutMessageIDIsStable(t *testing.T) {
	raw := []byte("From: a@example.com\r\nSubject: no id\r\n\r\nbody\r\n")
	first, err := NewParserService().ParseEmail(raw)
	require.NoError(t, err)
	second, err := NewParserService().ParseEmail(raw)
	require.NoError(t, err)

	assert.NotEmpty(t, first.MessageID)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.MessageID, first.ThreadID)
	assert.False(t, first.Date.IsZero())
}
