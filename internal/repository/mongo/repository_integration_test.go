package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

// testMongoURI returns the MongoDB connection URI for integration tests.
// Set MONGO_TEST_URI to override.
func testMongoURI() string {
	if uri := os.Getenv("MONGO_TEST_URI"); uri != "" {
		return uri
	}
	return "mongodb://localhost:27017"
}

// setupTestRepo skips when MongoDB is unreachable. The database is dropped on
// cleanup.
func setupTestRepo(t *testing.T) *ReliabilityRepository {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := testMongoURI()
	client, err := Connect(ctx, uri,
		options.Client().SetConnectTimeout(2*time.Second).SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available at %s: %v", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		t.Skipf("MongoDB ping failed at %s: %v", uri, err)
	}

	dbName := fmt.Sprintf("playback_test_%d", time.Now().UnixNano())
	repo := NewReliabilityRepository(client, dbName, "reliability")
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		t.Fatalf("EnsureIndexes: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return repo
}

func TestSaveLoadReplacesLedger(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := []domain.ReliabilityEntry{
		{ProviderID: "a", SourceKey: "s1", Samples: 2, Failures: 1, Consecutive: 1, LastSeenAt: now},
		{ProviderID: "a", SourceKey: "", Samples: 2, Failures: 1, LastSeenAt: now},
		{ProviderID: "b", SourceKey: "s2", Samples: 1, LastSeenAt: now, LastOKAt: now},
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Load = %d entries, want 3", len(got))
	}

	second := []domain.ReliabilityEntry{
		{ProviderID: "a", SourceKey: "s1", Samples: 3, Failures: 2, Consecutive: 2, LastSeenAt: now, OpenUntil: now.Add(time.Minute)},
	}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0] != second[0] {
		t.Fatalf("Load = %+v, want %+v", got, second)
	}

	if err := repo.Save(ctx, nil); err != nil {
		t.Fatalf("Save empty: %v", err)
	}
	if got, _ := repo.Load(ctx); len(got) != 0 {
		t.Fatalf("ledger should be empty, got %d rows", len(got))
	}
}
