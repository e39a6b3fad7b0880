// Package mailsource implements mail acquisition for the ingestion
// pipeline. Both sources produce domain.RawEmail records; parsing is
// shared.
package mailsource

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"ingest_server/core/domain"
)

// maxMessageSize caps how much of a single message is read.
const maxMessageSize = 25 * 1024 * 1024

// parseRawMessage parses one RFC 822 message into a RawEmail. Inline
// image parts leave an [IMAGE: <safe_filename>] placeholder in the
// extracted text at the point where the part occurred.
func parseRawMessage(raw []byte, receivedAt time.Time) (*domain.RawEmail, error) {
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	email := &domain.RawEmail{
		RawContent: string(raw),
		ReceivedAt: receivedAt,
	}

	header := mr.Header
	if subject, err := header.Subject(); err == nil {
		email.Subject = subject
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		email.ReceivedAt = date
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		email.Sender = from[0].Address
	}
	for _, field := range []string{"To", "Cc"} {
		if addrs, err := header.AddressList(field); err == nil {
			for _, a := range addrs {
				email.Recipients = append(email.Recipients, a.Address)
			}
		}
	}

	var textParts []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was parsed so far; a broken trailing part should
			// not lose the whole message.
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, err := io.ReadAll(io.LimitReader(p.Body, maxMessageSize))
			if err != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textParts = append(textParts, string(content))
			case strings.HasPrefix(contentType, "text/html"):
				email.HTMLContent += string(content)
			case strings.HasPrefix(contentType, "image/"):
				att := buildAttachment(inlineFilename(h), contentType, content, h.Get("Content-ID"))
				email.Attachments = append(email.Attachments, att)
				textParts = append(textParts, domain.ImagePlaceholder(att.SafeFilename()))
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			content, err := io.ReadAll(io.LimitReader(p.Body, maxMessageSize))
			if err != nil {
				continue
			}

			att := buildAttachment(filename, contentType, content, h.Get("Content-ID"))
			email.Attachments = append(email.Attachments, att)
			if att.IsImage {
				textParts = append(textParts, domain.ImagePlaceholder(att.SafeFilename()))
			}
		}
	}

	email.TextContent = strings.Join(textParts, "\n")

	email.MessageID = domain.ComputeMessageID(email.Subject, email.Sender, email.Recipients, email.ReceivedAt)
	return email, nil
}

func buildAttachment(filename, contentType string, content []byte, contentID string) domain.RawAttachment {
	if filename == "" {
		filename = "unnamed"
	}
	return domain.RawAttachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
		IsImage:     strings.HasPrefix(contentType, "image/"),
		ContentID:   strings.Trim(contentID, "<>"),
	}
}

func inlineFilename(h *mail.InlineHeader) string {
	_, params, err := h.ContentType()
	if err == nil {
		if name := params["name"]; name != "" {
			return name
		}
	}
	if cid := strings.Trim(h.Get("Content-ID"), "<>"); cid != "" {
		return cid
	}
	return "inline"
}
