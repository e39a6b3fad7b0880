// Package issue synthesizes external tracker issues from processed
// emails. The text helpers here are deterministic; the service adds
// LLM-assisted field selection and delivery.
package issue

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"ingest_server/core/domain"
)

const (
	defaultSummaryPrefix = "[AI]"
	maxSummaryLen        = 500
	maxDescriptionLen    = 10000
)

var placeholderRe = regexp.MustCompile(`\[IMAGE: ([^\]]+)\]`)

// stripEmoji removes emoji code points (U+1F300..U+1FAFF and
// U+2600..U+27BF) so tracker summaries stay plain text.
func stripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// BuildSummary produces the issue summary line: prefix, optional date
// tag, then the best available title. Newlines and emoji are stripped
// and the result capped at 500 characters.
func BuildSummary(email *domain.EmailMessage, cfg *domain.JiraConfig, now time.Time) string {
	base := email.SummaryTitle
	if base == "" {
		base = email.Subject
	}
	if base == "" {
		base = "Email Issue"
	}

	prefix := cfg.SummaryPrefix
	if prefix == "" {
		prefix = defaultSummaryPrefix
	}

	parts := []string{prefix}
	if cfg.SummaryTimestamp {
		parts = append(parts, "["+now.UTC().Format("20060102")+"]")
	}
	parts = append(parts, base)

	summary := strings.Join(parts, " ")
	summary = strings.ReplaceAll(summary, "\r", " ")
	summary = strings.ReplaceAll(summary, "\n", " ")
	summary = strings.TrimSpace(stripEmoji(summary))
	return truncate(summary, maxSummaryLen)
}

// EmbedImages substitutes every [IMAGE: f] placeholder that matches an
// attachment with the JIRA image macro !f|width=600!, followed by the
// attachment's processed OCR text on the next line when present.
// Placeholders with no matching attachment stay literal. Returns the
// substituted text and the set of embedded safe filenames.
func EmbedImages(content string, attachments []*domain.EmailAttachment) (string, map[string]bool) {
	bySafeName := make(map[string]*domain.EmailAttachment, len(attachments))
	for _, a := range attachments {
		bySafeName[a.SafeFilename] = a
	}

	embedded := make(map[string]bool)
	result := placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		att, ok := bySafeName[name]
		if !ok {
			return match
		}
		embedded[name] = true
		macro := fmt.Sprintf("!%s|width=600!", name)
		if att.LLMContent != "" {
			return macro + "\n" + att.LLMContent
		}
		return macro
	})
	return result, embedded
}

// BuildDescription assembles the issue body in deterministic order:
// summary content, a separator, the LLM content with embedded images,
// a separator, then a block for image attachments the text never
// referenced. Returns the description and the embedded-name set for
// the upload pass.
func BuildDescription(email *domain.EmailMessage) (string, map[string]bool) {
	embeddedContent, embedded := EmbedImages(email.LLMContent, email.Attachments)

	var sections []string
	if email.SummaryContent != "" {
		sections = append(sections, email.SummaryContent)
	}
	sections = append(sections, "---", embeddedContent)

	var extra []string
	for _, a := range email.ImageAttachments() {
		if embedded[a.SafeFilename] {
			continue
		}
		block := fmt.Sprintf("!%s|width=600!", a.SafeFilename)
		if a.LLMContent != "" {
			block += "\n" + a.LLMContent
		}
		extra = append(extra, block)
	}
	if len(extra) > 0 {
		sections = append(sections, "---", "Additional Images\n"+strings.Join(extra, "\n"))
	}

	description := stripEmoji(strings.Join(sections, "\n"))
	return truncate(description, maxDescriptionLen), embedded
}
