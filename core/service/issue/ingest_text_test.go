package issue

import (
	"strings"
	"testing"
	"time"

	"ingest_server/core/domain"
)

func TestBuildSummary(t *testing.T) {
	now := time.Date(2026, 5, 2, 17, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		email *domain.EmailMessage
		cfg   *domain.JiraConfig
		want  string
	}{
		{
			name:  "title preferred over subject",
			email: &domain.EmailMessage{Subject: "Re: printer", SummaryTitle: "Printer jam on floor 3"},
			cfg:   &domain.JiraConfig{},
			want:  "[AI] Printer jam on floor 3",
		},
		{
			name:  "subject fallback",
			email: &domain.EmailMessage{Subject: "Re: printer"},
			cfg:   &domain.JiraConfig{},
			want:  "[AI] Re: printer",
		},
		{
			name:  "empty falls back to default",
			email: &domain.EmailMessage{},
			cfg:   &domain.JiraConfig{},
			want:  "[AI] Email Issue",
		},
		{
			name:  "custom prefix",
			email: &domain.EmailMessage{Subject: "s"},
			cfg:   &domain.JiraConfig{SummaryPrefix: "[BOT]"},
			want:  "[BOT] s",
		},
		{
			name:  "timestamp tag",
			email: &domain.EmailMessage{Subject: "s"},
			cfg:   &domain.JiraConfig{SummaryTimestamp: true},
			want:  "[AI] [20260502] s",
		},
		{
			name:  "newlines collapse to spaces",
			email: &domain.EmailMessage{Subject: "line one\r\nline two"},
			cfg:   &domain.JiraConfig{},
			want:  "[AI] line one  line two",
		},
		{
			name:  "emoji stripped",
			email: &domain.EmailMessage{Subject: "fire \U0001F525 alarm ⚠"},
			cfg:   &domain.JiraConfig{},
			want:  "[AI] fire  alarm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildSummary(tt.email, tt.cfg, now); got != tt.want {
				t.Errorf("BuildSummary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildSummaryTruncates(t *testing.T) {
	email := &domain.EmailMessage{Subject: strings.Repeat("x", 600)}
	got := BuildSummary(email, &domain.JiraConfig{}, time.Now())
	if len([]rune(got)) != 500 {
		t.Errorf("summary length = %d, want 500", len([]rune(got)))
	}
}

func TestEmbedImages(t *testing.T) {
	attachments := []*domain.EmailAttachment{
		{SafeFilename: "aa.png", IsImage: true, LLMContent: "error dialog text"},
		{SafeFilename: "bb.png", IsImage: true},
	}

	content := "Before [IMAGE: aa.png] middle [IMAGE: bb.png] after [IMAGE: missing.png]"
	got, embedded := EmbedImages(content, attachments)

	if !strings.Contains(got, "!aa.png|width=600!\nerror dialog text") {
		t.Errorf("matched placeholder with text not substituted: %q", got)
	}
	if !strings.Contains(got, "!bb.png|width=600!") {
		t.Errorf("matched placeholder without text not substituted: %q", got)
	}
	if !strings.Contains(got, "!bb.png|width=600! after") {
		t.Errorf("bare macro must not gain a trailing newline: %q", got)
	}
	if !strings.Contains(got, "[IMAGE: missing.png]") {
		t.Errorf("unmatched placeholder must stay literal: %q", got)
	}
	if !embedded["aa.png"] || !embedded["bb.png"] || embedded["missing.png"] {
		t.Errorf("embedded set wrong: %v", embedded)
	}
}

func TestBuildDescriptionOrder(t *testing.T) {
	email := &domain.EmailMessage{
		SummaryContent: "Short summary",
		LLMContent:     "Body with [IMAGE: aa.png] inline",
		Attachments: []*domain.EmailAttachment{
			{SafeFilename: "aa.png", IsImage: true, LLMContent: "aa text"},
			{SafeFilename: "extra.png", IsImage: true, LLMContent: "extra text"},
			{SafeFilename: "doc.pdf"},
		},
	}

	got, embedded := BuildDescription(email)

	summaryIdx := strings.Index(got, "Short summary")
	bodyIdx := strings.Index(got, "!aa.png|width=600!")
	extraHeaderIdx := strings.Index(got, "Additional Images")
	extraIdx := strings.Index(got, "!extra.png|width=600!")

	if summaryIdx < 0 || bodyIdx < 0 || extraHeaderIdx < 0 || extraIdx < 0 {
		t.Fatalf("missing section in description:\n%s", got)
	}
	if !(summaryIdx < bodyIdx && bodyIdx < extraHeaderIdx && extraHeaderIdx < extraIdx) {
		t.Errorf("sections out of order:\n%s", got)
	}
	if strings.Contains(got, "doc.pdf") {
		t.Errorf("non-image attachment must not be rendered: %q", got)
	}
	if !embedded["aa.png"] || embedded["extra.png"] {
		t.Errorf("embedded set wrong: %v", embedded)
	}
}

func TestBuildDescriptionNoSummary(t *testing.T) {
	email := &domain.EmailMessage{LLMContent: "just body"}
	got, _ := BuildDescription(email)
	if !strings.HasPrefix(got, "---\njust body") {
		t.Errorf("description without summary should start at separator: %q", got)
	}
	if strings.Contains(got, "Additional Images") {
		t.Errorf("no extra section expected: %q", got)
	}
}

func TestBuildDescriptionTruncates(t *testing.T) {
	email := &domain.EmailMessage{LLMContent: strings.Repeat("y", 11000)}
	got, _ := BuildDescription(email)
	if len([]rune(got)) != 10000 {
		t.Errorf("description length = %d, want 10000", len([]rune(got)))
	}
}

func TestTruncateRuneSafe(t *testing.T) {
	s := strings.Repeat("한", 10)
	if got := truncate(s, 3); got != "한한한" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ab", 5); got != "ab" {
		t.Errorf("truncate short = %q", got)
	}
}

func TestStripEmojiKeepsCJK(t *testing.T) {
	in := "한국어 텍스트 \U0001F600 ok ✅"
	got := stripEmoji(in)
	if strings.ContainsRune(got, '\U0001F600') || strings.ContainsRune(got, '✅') {
		t.Errorf("emoji survived: %q", got)
	}
	if !strings.Contains(got, "한국어 텍스트") {
		t.Errorf("CJK text damaged: %q", got)
	}
}
