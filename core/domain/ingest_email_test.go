package domain

import (
	"strings"
	"testing"
	"time"
)

func TestComputeMessageID(t *testing.T) {
	received := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	id := ComputeMessageID("Subject", "a@example.com", []string{"b@example.com"}, received)
	if !strings.HasPrefix(id, "email_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if len(id) != len("email_")+16 {
		t.Fatalf("id %q has wrong length %d", id, len(id))
	}

	// Deterministic for identical input.
	again := ComputeMessageID("Subject", "a@example.com", []string{"b@example.com"}, received)
	if id != again {
		t.Errorf("same input produced %q and %q", id, again)
	}

	// Any field change moves the id.
	variants := []string{
		ComputeMessageID("Other", "a@example.com", []string{"b@example.com"}, received),
		ComputeMessageID("Subject", "x@example.com", []string{"b@example.com"}, received),
		ComputeMessageID("Subject", "a@example.com", []string{"c@example.com"}, received),
		ComputeMessageID("Subject", "a@example.com", []string{"b@example.com"}, received.Add(time.Second)),
	}
	for i, v := range variants {
		if v == id {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}

func TestComputeMessageIDTimezoneInsensitive(t *testing.T) {
	utc := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	kst := utc.In(time.FixedZone("KST", 9*3600))
	if ComputeMessageID("s", "a@b", nil, utc) != ComputeMessageID("s", "a@b", nil, kst) {
		t.Error("same instant in different zones produced different ids")
	}
}

func TestSafeFilename(t *testing.T) {
	att := &RawAttachment{Filename: "Screen Shot.PNG", Content: []byte("pixels")}
	name := att.SafeFilename()

	if !strings.HasSuffix(name, ".png") {
		t.Errorf("extension not lowercased: %q", name)
	}
	if len(name) != 64+len(".png") {
		t.Errorf("unexpected length %d for %q", len(name), name)
	}

	// Identical bytes share a name regardless of the original filename.
	other := &RawAttachment{Filename: "copy.png", Content: []byte("pixels")}
	if other.SafeFilename() != name {
		t.Error("identical content produced different safe filenames")
	}

	noExt := &RawAttachment{Filename: "README", Content: []byte("text")}
	if strings.Contains(noExt.SafeFilename(), ".") {
		t.Errorf("extensionless file gained an extension: %q", noExt.SafeFilename())
	}
}

func TestWorkingTextPriority(t *testing.T) {
	tests := []struct {
		name  string
		email EmailMessage
		want  string
	}{
		{"text wins", EmailMessage{TextContent: "text", HTMLContent: "html", RawContent: "raw"}, "text"},
		{"html fallback", EmailMessage{HTMLContent: "html", RawContent: "raw"}, "html"},
		{"raw fallback", EmailMessage{RawContent: "raw"}, "raw"},
		{"empty", EmailMessage{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.email.WorkingText(); got != tt.want {
				t.Errorf("WorkingText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImagePlaceholder(t *testing.T) {
	if got := ImagePlaceholder("abc.png"); got != "[IMAGE: abc.png]" {
		t.Errorf("ImagePlaceholder = %q", got)
	}
}

func TestImageAttachmentsKeepsOrder(t *testing.T) {
	email := EmailMessage{Attachments: []*EmailAttachment{
		{SafeFilename: "a.png", IsImage: true},
		{SafeFilename: "b.pdf"},
		{SafeFilename: "c.jpg", IsImage: true},
	}}
	images := email.ImageAttachments()
	if len(images) != 2 || images[0].SafeFilename != "a.png" || images[1].SafeFilename != "c.jpg" {
		t.Errorf("unexpected image set: %+v", images)
	}
}
