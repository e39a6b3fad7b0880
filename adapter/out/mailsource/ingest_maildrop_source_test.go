package mailsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
)

type fakeUserRepo struct {
	byAddress map[string]*domain.User
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return nil, persistence.ErrNotFound
}

func (r *fakeUserRepo) ListWithEmailConfig(ctx context.Context) ([]*domain.User, error) {
	return nil, nil
}

func (r *fakeUserRepo) FindByRecipient(ctx context.Context, address string) (*domain.User, error) {
	if u, ok := r.byAddress[address]; ok {
		return u, nil
	}
	return nil, persistence.ErrNotFound
}

func writeDrop(t *testing.T, root, name, message, meta string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "inbox", name+".eml"), []byte(crlf(message)), 0o644); err != nil {
		t.Fatal(err)
	}
	if meta != "" {
		if err := os.WriteFile(filepath.Join(root, "inbox", name+".meta"), []byte(meta), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMaildropFetchClaimsOwnMail(t *testing.T) {
	root := t.TempDir()
	user := &domain.User{ID: uuid.New(), Email: "drop@ingest.example.com"}
	other := &domain.User{ID: uuid.New(), Email: "other@ingest.example.com"}
	users := &fakeUserRepo{byAddress: map[string]*domain.User{
		"drop@ingest.example.com":  user,
		"other@ingest.example.com": other,
	}}

	source, err := NewMaildropSource(root, users, 0)
	if err != nil {
		t.Fatalf("NewMaildropSource: %v", err)
	}

	writeDrop(t, root, "mine", testMessage,
		`{"recipients":["drop@ingest.example.com"],"received_at":"2026-03-10T09:00:00Z"}`)
	writeDrop(t, root, "theirs", testMessage,
		`{"recipients":["other@ingest.example.com"]}`)

	result, err := source.Fetch(context.Background(), user, &domain.EmailConfig{}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(result.Emails) != 1 {
		t.Fatalf("fetched %d emails, want 1", len(result.Emails))
	}
	email := result.Emails[0]
	if email.Subject != "Printer broken" {
		t.Errorf("Subject = %q", email.Subject)
	}
	// Envelope recipients replace header recipients for identity.
	if len(email.Recipients) != 1 || email.Recipients[0] != "drop@ingest.example.com" {
		t.Errorf("Recipients = %v", email.Recipients)
	}
	if result.NewCursor == nil || !result.NewCursor.Equal(email.ReceivedAt) {
		t.Errorf("NewCursor = %v", result.NewCursor)
	}

	// Claimed mail moved to processed/ with its sidecar; the other
	// user's mail stays in the inbox.
	if _, err := os.Stat(filepath.Join(root, "processed", "mine.eml")); err != nil {
		t.Error("claimed message not moved to processed")
	}
	if _, err := os.Stat(filepath.Join(root, "processed", "mine.meta")); err != nil {
		t.Error("sidecar not moved with the message")
	}
	if _, err := os.Stat(filepath.Join(root, "inbox", "theirs.eml")); err != nil {
		t.Error("unclaimed message must stay in the inbox")
	}
}

func TestMaildropFetchQuarantinesBrokenFiles(t *testing.T) {
	root := t.TempDir()
	user := &domain.User{ID: uuid.New(), Email: "drop@ingest.example.com"}
	users := &fakeUserRepo{byAddress: map[string]*domain.User{user.Email: user}}

	source, err := NewMaildropSource(root, users, 0)
	if err != nil {
		t.Fatalf("NewMaildropSource: %v", err)
	}

	// Message without an envelope sidecar.
	writeDrop(t, root, "orphan", testMessage, "")

	result, err := source.Fetch(context.Background(), user, &domain.EmailConfig{}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Emails) != 0 {
		t.Errorf("fetched %d emails, want 0", len(result.Emails))
	}
	if _, err := os.Stat(filepath.Join(root, "failed", "orphan.eml")); err != nil {
		t.Error("orphan message not quarantined to failed/")
	}
}

func TestMaildropFetchHonorsBatchLimit(t *testing.T) {
	root := t.TempDir()
	user := &domain.User{ID: uuid.New(), Email: "drop@ingest.example.com"}
	users := &fakeUserRepo{byAddress: map[string]*domain.User{user.Email: user}}

	source, err := NewMaildropSource(root, users, 2)
	if err != nil {
		t.Fatalf("NewMaildropSource: %v", err)
	}

	for _, name := range []string{"a", "b", "c"} {
		writeDrop(t, root, name, testMessage, `{"recipients":["drop@ingest.example.com"]}`)
	}

	result, err := source.Fetch(context.Background(), user, &domain.EmailConfig{}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Emails) != 2 {
		t.Errorf("fetched %d emails, want batch limit 2", len(result.Emails))
	}

	// The third stays for the next pass.
	if _, err := os.Stat(filepath.Join(root, "inbox", "c.eml")); err != nil {
		t.Error("overflow message must stay in the inbox")
	}
}

func TestMaildropDirectoryLayout(t *testing.T) {
	root := t.TempDir()
	if _, err := NewMaildropSource(root, &fakeUserRepo{}, 0); err != nil {
		t.Fatalf("NewMaildropSource: %v", err)
	}
	for _, dir := range []string{"inbox", "processed", "failed"} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", dir)
		}
	}
}
