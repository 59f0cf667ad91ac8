package keypackage

import (
	"context"
	"e2e_group/internal/model"
	"fmt"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Record is the latest key package of one installation.
	Record struct {
		InboxID      model.InboxID `bson:"inbox_id"`
		Installation []byte        `bson:"installation"`
		KeyPackage   []byte        `bson:"key_package"`
		NotAfterNS   int64         `bson:"not_after_ns"`
		UpdatedNS    int64         `bson:"updated_ns"`
	}

	KeyPackageRepo struct {
		collection *mongo.Collection
	}
)

func NewKeyPackageRepo(db *mongo.Database) *KeyPackageRepo {
	return &KeyPackageRepo{
		collection: db.Collection("key_packages"),
	}
}

func (r *KeyPackageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "installation", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "inbox_id", Value: 1}}},
	})
	return err
}

// Put replaces the installation's key package.
func (r *KeyPackageRepo) Put(ctx context.Context, rec *Record) error {
	filter := bson.M{"installation": rec.Installation}
	_, err := r.collection.ReplaceOne(ctx, filter, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put key package for %s: %w", model.InstallationID(rec.Installation), err)
	}
	return nil
}

// Latest returns the key package of every installation of inboxes.
func (r *KeyPackageRepo) Latest(ctx context.Context, inboxes []model.InboxID) ([]*Record, error) {
	filter := bson.M{"inbox_id": bson.M{"$in": inboxes}}
	cur, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "inbox_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryRepo is an in-process KeyPackageRepo.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]*Record)}
}

func (m *MemoryRepo) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[string(rec.Installation)] = &cp
	return nil
}

func (m *MemoryRepo) Latest(_ context.Context, inboxes []model.InboxID) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if slices.Contains(inboxes, r.InboxID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Record) int {
		if a.InboxID != b.InboxID {
			if a.InboxID < b.InboxID {
				return -1
			}
			return 1
		}
		return slices.Compare(a.Installation, b.Installation)
	})
	return out, nil
}
