package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const keySeparator = "\x1f"

// ReliabilityRepository persists the reliability ledger, one document per
// (provider, source) row.
type ReliabilityRepository struct {
	collection *mongo.Collection
}

type reliabilityDoc struct {
	ID           string `bson:"_id"`
	ProviderID   string `bson:"providerId"`
	SourceKey    string `bson:"sourceKey"`
	Samples      int    `bson:"samples"`
	Failures     int    `bson:"failures"`
	Consecutive  int    `bson:"consecutiveFailures"`
	OpenUntil    int64  `bson:"openUntil,omitempty"`
	LastError    string `bson:"lastError,omitempty"`
	LastSeenAt   int64  `bson:"lastSeenAt"`
	LastOKAt     int64  `bson:"lastOkAt,omitempty"`
	LastFailedAt int64  `bson:"lastFailedAt,omitempty"`
	UpdatedAt    int64  `bson:"updatedAt"`
}

func NewReliabilityRepository(client *mongo.Client, dbName, collectionName string) *ReliabilityRepository {
	return &ReliabilityRepository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *ReliabilityRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "providerId", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Load returns every persisted ledger row.
func (r *ReliabilityRepository) Load(ctx context.Context) ([]domain.ReliabilityEntry, error) {
	cursor, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []reliabilityDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	entries := make([]domain.ReliabilityEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, fromDoc(doc))
	}
	return entries, nil
}

// Save replaces the stored ledger with entries. Rows missing from entries are
// removed so that resets survive restarts.
func (r *ReliabilityRepository) Save(ctx context.Context, entries []domain.ReliabilityEntry) error {
	now := time.Now().UTC().Unix()
	ids := make([]string, 0, len(entries))
	models := make([]mongo.WriteModel, 0, len(entries))
	for _, e := range entries {
		doc := toDoc(e, now)
		ids = append(ids, doc.ID)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if len(models) > 0 {
		if _, err := r.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return err
		}
	}
	_, err := r.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$nin": ids}})
	return err
}

func docID(providerID, sourceKey string) string {
	return providerID + keySeparator + sourceKey
}

func toDoc(e domain.ReliabilityEntry, updatedAt int64) reliabilityDoc {
	return reliabilityDoc{
		ID:           docID(e.ProviderID, e.SourceKey),
		ProviderID:   e.ProviderID,
		SourceKey:    e.SourceKey,
		Samples:      e.Samples,
		Failures:     e.Failures,
		Consecutive:  e.Consecutive,
		OpenUntil:    unixOrZero(e.OpenUntil),
		LastError:    e.LastError,
		LastSeenAt:   unixOrZero(e.LastSeenAt),
		LastOKAt:     unixOrZero(e.LastOKAt),
		LastFailedAt: unixOrZero(e.LastFailedAt),
		UpdatedAt:    updatedAt,
	}
}

func fromDoc(doc reliabilityDoc) domain.ReliabilityEntry {
	return domain.ReliabilityEntry{
		ProviderID:   doc.ProviderID,
		SourceKey:    doc.SourceKey,
		Samples:      doc.Samples,
		Failures:     doc.Failures,
		Consecutive:  doc.Consecutive,
		OpenUntil:    timeFromUnix(doc.OpenUntil),
		LastError:    doc.LastError,
		LastSeenAt:   timeFromUnix(doc.LastSeenAt),
		LastOKAt:     timeFromUnix(doc.LastOKAt),
		LastFailedAt: timeFromUnix(doc.LastFailedAt),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func timeFromUnix(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}
