package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ingest_server/core/port/out"
)

// =============================================================================
// Raw Mail Archive Adapter
// =============================================================================

const (
	collectionRawMails = "raw_mails"

	// Compression threshold - only compress if content is larger than this
	compressionThreshold = 1024 // 1KB
)

// RawMailArchive implements out.RawMailArchive using MongoDB. It keeps
// the full RFC 822 source of every fetched message, keyed by
// (user_id, message_id).
type RawMailArchive struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewRawMailArchive creates a new raw mail archive adapter.
func NewRawMailArchive(db *mongo.Database) *RawMailArchive {
	return &RawMailArchive{
		db:         db,
		collection: db.Collection(collectionRawMails),
	}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *RawMailArchive) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "message_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "archived_at", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// rawMailDocument represents the MongoDB document structure.
type rawMailDocument struct {
	UserID    string `bson:"user_id"`
	MessageID string `bson:"message_id"`

	// Source (potentially compressed)
	Source       []byte `bson:"source"`
	IsCompressed bool   `bson:"is_compressed"`

	OriginalSize   int64 `bson:"original_size"`
	CompressedSize int64 `bson:"compressed_size"`

	ArchivedAt time.Time `bson:"archived_at"`
}

// Store upserts the raw source for a message. Re-fetching the same
// message overwrites the previous copy.
func (a *RawMailArchive) Store(ctx context.Context, userID uuid.UUID, messageID string, source []byte) error {
	originalSize := int64(len(source))
	stored := source
	isCompressed := false

	if originalSize > compressionThreshold {
		compressed, err := compress(source)
		if err != nil {
			return fmt.Errorf("failed to compress raw mail: %w", err)
		}
		stored = compressed
		isCompressed = true
	}

	doc := &rawMailDocument{
		UserID:         userID.String(),
		MessageID:      messageID,
		Source:         stored,
		IsCompressed:   isCompressed,
		OriginalSize:   originalSize,
		CompressedSize: int64(len(stored)),
		ArchivedAt:     time.Now().UTC(),
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"user_id": doc.UserID, "message_id": messageID}

	if _, err := a.collection.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("failed to archive raw mail: %w", err)
	}
	return nil
}

// Get retrieves the raw source for a message. Returns nil when the
// message was never archived.
func (a *RawMailArchive) Get(ctx context.Context, userID uuid.UUID, messageID string) ([]byte, error) {
	var doc rawMailDocument
	filter := bson.M{"user_id": userID.String(), "message_id": messageID}

	err := a.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get raw mail: %w", err)
	}

	if doc.IsCompressed {
		return decompress(doc.Source)
	}
	return doc.Source, nil
}

// =============================================================================
// Compression Helpers
// =============================================================================

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// Ensure RawMailArchive implements out.RawMailArchive
var _ out.RawMailArchive = (*RawMailArchive)(nil)
