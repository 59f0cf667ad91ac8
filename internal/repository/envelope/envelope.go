package envelope

import (
	"cmp"
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
	// Record is one stored originator envelope.
	Record struct {
		Topic        []byte `bson:"topic"`
		OriginatorID uint32 `bson:"originator_id"`
		SequenceID   uint64 `bson:"sequence_id"`
		OriginatorNS int64  `bson:"originator_ns"`
		// Envelope is the encoded model.OriginatorEnvelope.
		Envelope []byte `bson:"envelope"`
	}

	EnvelopeRepo struct {
		collection *mongo.Collection
	}
)

func (r *Record) Cursor() model.Cursor {
	return model.Cursor{OriginatorID: r.OriginatorID, SequenceID: r.SequenceID}
}

func NewEnvelopeRepo(db *mongo.Database) *EnvelopeRepo {
	return &EnvelopeRepo{
		collection: db.Collection("envelopes"),
	}
}

// EnsureIndexes makes (originator, sequence) unique and indexes topic reads.
func (r *EnvelopeRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "originator_id", Value: 1}, {Key: "sequence_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "topic", Value: 1}, {Key: "originator_ns", Value: 1}},
		},
	})
	return err
}

// Insert stores rec. Storing the same cursor twice is a no-op.
func (r *EnvelopeRepo) Insert(ctx context.Context, rec *Record) error {
	filter := bson.M{
		"originator_id": rec.OriginatorID,
		"sequence_id":   rec.SequenceID,
	}
	_, err := r.collection.UpdateOne(ctx, filter, bson.M{"$setOnInsert": rec}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert envelope %s: %w", rec.Cursor(), err)
	}
	return nil
}

// Query returns envelopes of topic the since cursor has not covered, oldest
// first.
func (r *EnvelopeRepo) Query(ctx context.Context, topic []byte, since model.GlobalCursor, limit int) ([]*Record, error) {
	known := make([]uint32, 0, len(since))
	newer := make(bson.A, 0, len(since)+1)
	for o, s := range since {
		known = append(known, o)
		newer = append(newer, bson.M{"originator_id": o, "sequence_id": bson.M{"$gt": s}})
	}
	newer = append(newer, bson.M{"originator_id": bson.M{"$nin": known}})

	filter := bson.M{"topic": topic, "$or": newer}
	opts := options.Find().SetSort(bson.D{
		{Key: "originator_ns", Value: 1},
		{Key: "originator_id", Value: 1},
		{Key: "sequence_id", Value: 1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.collection.Find(ctx, filter, opts)
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

// MemoryRepo is an in-process EnvelopeRepo.
type MemoryRepo struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (m *MemoryRepo) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Cursor() == rec.Cursor() {
			return nil
		}
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryRepo) Query(_ context.Context, topic []byte, since model.GlobalCursor, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if string(r.Topic) != string(topic) || since.Seen(r.Cursor()) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	slices.SortStableFunc(out, func(a, b *Record) int {
		if c := cmp.Compare(a.OriginatorNS, b.OriginatorNS); c != 0 {
			return c
		}
		if c := cmp.Compare(a.OriginatorID, b.OriginatorID); c != 0 {
			return c
		}
		return cmp.Compare(a.SequenceID, b.SequenceID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
