package mailsource

import (
	"strings"
	"testing"
	"time"

	"ingest_server/core/domain"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

const testMessage = `From: Alice <alice@example.com>
To: drop@ingest.example.com
Cc: bob@example.com
Subject: Printer broken
Date: Tue, 10 Mar 2026 09:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain; charset=utf-8

The printer is on fire.
--BOUNDARY
Content-Type: image/png; name="shot.png"
Content-Disposition: attachment; filename="shot.png"
Content-Transfer-Encoding: base64

aGVsbG8=
--BOUNDARY--
`

func TestParseRawMessage(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	email, err := parseRawMessage([]byte(crlf(testMessage)), fallback)
	if err != nil {
		t.Fatalf("parseRawMessage: %v", err)
	}

	if email.Subject != "Printer broken" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if email.Sender != "alice@example.com" {
		t.Errorf("Sender = %q", email.Sender)
	}
	if len(email.Recipients) != 2 || email.Recipients[0] != "drop@ingest.example.com" || email.Recipients[1] != "bob@example.com" {
		t.Errorf("Recipients = %v", email.Recipients)
	}

	// The Date header wins over the delivery fallback.
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !email.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %s, want %s", email.ReceivedAt, want)
	}

	if len(email.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(email.Attachments))
	}
	att := email.Attachments[0]
	if !att.IsImage || att.Filename != "shot.png" {
		t.Errorf("attachment = %+v", att)
	}
	if string(att.Content) != "hello" {
		t.Errorf("decoded content = %q", att.Content)
	}

	// The image part leaves a placeholder after the text, keyed by the
	// content-derived safe filename.
	placeholder := domain.ImagePlaceholder(att.SafeFilename())
	if !strings.Contains(email.TextContent, "The printer is on fire.") {
		t.Errorf("text lost: %q", email.TextContent)
	}
	if !strings.Contains(email.TextContent, placeholder) {
		t.Errorf("placeholder %q missing from text: %q", placeholder, email.TextContent)
	}
	textIdx := strings.Index(email.TextContent, "printer")
	phIdx := strings.Index(email.TextContent, placeholder)
	if phIdx < textIdx {
		t.Errorf("placeholder before body text: %q", email.TextContent)
	}

	if !strings.HasPrefix(email.MessageID, "email_") {
		t.Errorf("MessageID = %q", email.MessageID)
	}
	if email.RawContent == "" {
		t.Error("raw content not preserved")
	}
}

func TestParseRawMessagePlainText(t *testing.T) {
	msg := crlf(`From: a@example.com
To: b@example.com
Subject: hi
Content-Type: text/plain; charset=utf-8

just text
`)
	email, err := parseRawMessage([]byte(msg), time.Now())
	if err != nil {
		t.Fatalf("parseRawMessage: %v", err)
	}
	if !strings.Contains(email.TextContent, "just text") {
		t.Errorf("TextContent = %q", email.TextContent)
	}
	if len(email.Attachments) != 0 {
		t.Errorf("attachments = %d, want 0", len(email.Attachments))
	}
}

func TestParseRawMessageGarbage(t *testing.T) {
	// Headerless input must never panic; it either errors or yields an
	// empty message.
	email, err := parseRawMessage([]byte("not a mime message at all"), time.Now())
	if err == nil && email.Subject != "" {
		t.Errorf("garbage produced a subject: %q", email.Subject)
	}
}
