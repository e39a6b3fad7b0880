package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailMessage is one ingested email and the anchor of a workflow run.
type EmailMessage struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TaskID    *int64    `json:"task_id,omitempty"`
	MessageID string    `json:"message_id"` // unique per user, content-derived

	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	ReceivedAt time.Time `json:"received_at"`

	RawContent  string `json:"raw_content,omitempty"`
	HTMLContent string `json:"html_content,omitempty"`
	TextContent string `json:"text_content,omitempty"`
	LLMContent  string `json:"llm_content,omitempty"`

	SummaryTitle   string `json:"summary_title,omitempty"`
	SummaryContent string `json:"summary_content,omitempty"`

	Status       EmailStatus    `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Attachments []*EmailAttachment `json:"attachments,omitempty"`
}

// WorkingText returns the best available body text, in priority order
// text > html > raw.
func (e *EmailMessage) WorkingText() string {
	if e.TextContent != "" {
		return e.TextContent
	}
	if e.HTMLContent != "" {
		return e.HTMLContent
	}
	return e.RawContent
}

// ImageAttachments returns the image attachments in stored order.
func (e *EmailMessage) ImageAttachments() []*EmailAttachment {
	var images []*EmailAttachment
	for _, a := range e.Attachments {
		if a.IsImage {
			images = append(images, a)
		}
	}
	return images
}

// EmailAttachment is one file extracted from an email. Byte content
// lives on disk under SafeFilename; rows referencing identical bytes
// share the file.
type EmailAttachment struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	EmailMessageID uuid.UUID `json:"email_message_id"`

	Filename     string `json:"filename"`
	SafeFilename string `json:"safe_filename"` // sha256(bytes) + original extension
	ContentType  string `json:"content_type"`
	FileSize     int64  `json:"file_size"`
	FilePath     string `json:"file_path"`
	IsImage      bool   `json:"is_image"`

	OCRContent string `json:"ocr_content,omitempty"`
	LLMContent string `json:"llm_content,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RawEmail is a fetched-but-unpersisted message as produced by a
// MailSource implementation.
type RawEmail struct {
	MessageID   string
	Subject     string
	Sender      string
	Recipients  []string
	ReceivedAt  time.Time
	RawContent  string
	HTMLContent string
	TextContent string
	Attachments []RawAttachment
}

// RawAttachment carries attachment bytes before content-addressed storage.
type RawAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
	IsImage     bool
	ContentID   string // MIME Content-ID, used for inline placeholder matching
}

// SafeFilename returns the content-addressed name for the attachment
// bytes, stable across re-ingests of identical content.
func (a *RawAttachment) SafeFilename() string {
	sum := sha256.Sum256(a.Content)
	ext := strings.ToLower(filepath.Ext(a.Filename))
	return hex.EncodeToString(sum[:]) + ext
}

// ComputeMessageID derives the stable per-user message id from header
// fields. The RFC Message-ID header is often malformed, so identity is
// content-derived instead.
func ComputeMessageID(subject, sender string, recipients []string, receivedAt time.Time) string {
	key := fmt.Sprintf("%s|%s|%s|%s", subject, sender, strings.Join(recipients, ","), receivedAt.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(key))
	return "email_" + hex.EncodeToString(sum[:])[:16]
}

// ImagePlaceholder returns the inline marker inserted into extracted
// text where an image occurred.
func ImagePlaceholder(safeFilename string) string {
	return "[IMAGE: " + safeFilename + "]"
}
