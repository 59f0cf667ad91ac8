// Package ordering turns an unordered, multi-originator envelope stream
// into a causally ordered one per topic.
//
// Each topic keeps a high-water GlobalCursor. An envelope is ready once
// its depends_on is dominated by the mark; ready envelopes advance the
// mark and are emitted in arrival order, and every advance re-checks the
// orphan buffer so one arrival can release a whole chain. Envelopes whose
// dependencies are missing wait in a bounded buffer until they arrive or
// Resolve fetches them.
package ordering

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/utils/log"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxOrphans bounds the orphan buffer of one topic.
const DefaultMaxOrphans = 1024

// Backfiller fetches envelopes of topic newer than since, covering at
// least the missing cursors.
type Backfiller interface {
	Backfill(ctx context.Context, topic model.Topic, since model.GlobalCursor, missing []model.Cursor) ([]model.Envelope, error)
}

type (
	Resolver struct {
		mu         sync.Mutex
		topics     map[string]*topicState
		maxOrphans int
		backfiller Backfiller
		logger     *zap.Logger
		now        func() time.Time
	}

	topicState struct {
		topic   model.Topic
		mark    model.GlobalCursor
		orphans []model.OrphanedEnvelope
	}

	Option func(*Resolver)
)

func WithBackfiller(b Backfiller) Option {
	return func(r *Resolver) { r.backfiller = b }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(maxOrphans int, opts ...Option) *Resolver {
	if maxOrphans <= 0 {
		maxOrphans = DefaultMaxOrphans
	}
	r := &Resolver{
		topics:     make(map[string]*topicState),
		maxOrphans: maxOrphans,
		logger:     log.Named("ordering"),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resolver) state(topic model.Topic) *topicState {
	key := topic.Key()
	ts, ok := r.topics[key]
	if !ok {
		ts = &topicState{topic: topic, mark: model.GlobalCursor{}}
		r.topics[key] = ts
	}
	return ts
}

// Mark returns a copy of the topic's high-water mark.
func (r *Resolver) Mark(topic model.Topic) model.GlobalCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state(topic).mark.Clone()
}

// Advance merges a persisted cursor into the topic's mark, typically on
// startup, and releases any orphans it satisfies.
func (r *Resolver) Advance(topic model.Topic, mark model.GlobalCursor) []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.state(topic)
	ts.mark.Merge(mark)
	return r.release(ts, nil)
}

// Orphans returns the envelopes still waiting on dependencies.
func (r *Resolver) Orphans(topic model.Topic) []model.OrphanedEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.state(topic)
	out := make([]model.OrphanedEnvelope, len(ts.orphans))
	copy(out, ts.orphans)
	return out
}

// Push feeds envelopes in arrival order and returns the ones that became
// ready, in emission order. Envelopes may belong to different topics.
func (r *Resolver) Push(envs ...model.Envelope) []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Envelope
	for _, env := range envs {
		ts := r.state(env.Topic)
		if ts.mark.Seen(env.Cursor) {
			r.logger.Debug("dropping duplicate envelope",
				zap.Stringer("topic", env.Topic), zap.Stringer("cursor", env.Cursor))
			continue
		}
		if !ts.mark.Dominates(env.DependsOn) {
			r.buffer(ts, env)
			continue
		}
		ts.mark.Apply(env.Cursor)
		out = append(out, env)
		out = r.release(ts, out)
	}
	return out
}

func (r *Resolver) buffer(ts *topicState, env model.Envelope) {
	for _, o := range ts.orphans {
		if o.Cursor == env.Cursor {
			return
		}
	}
	if len(ts.orphans) >= r.maxOrphans {
		evicted := ts.orphans[0]
		ts.orphans = ts.orphans[1:]
		r.logger.Warn("orphan buffer full, evicting oldest envelope",
			zap.Stringer("topic", ts.topic),
			zap.Stringer("cursor", evicted.Cursor),
			zap.Stringer("depends_on", evicted.DependsOn),
			zap.Int("max_orphans", r.maxOrphans))
	}
	ts.orphans = append(ts.orphans, model.NewOrphan(env, r.now().UnixNano()))
}

// release emits every buffered envelope the mark now satisfies, repeating
// until a pass makes no progress.
func (r *Resolver) release(ts *topicState, out []model.Envelope) []model.Envelope {
	for progress := true; progress; {
		progress = false
		kept := ts.orphans[:0]
		for _, o := range ts.orphans {
			switch {
			case ts.mark.Seen(o.Cursor):
				// Arrived again through another path while buffered.
			case ts.mark.Dominates(o.DependsOn):
				ts.mark.Apply(o.Cursor)
				out = append(out, o.Envelope())
				progress = true
			default:
				kept = append(kept, o)
			}
		}
		clear(ts.orphans[len(kept):])
		ts.orphans = kept
	}
	return out
}

// Missing returns the dependency cursors the topic's orphans are waiting on,
// one per originator at the highest required sequence id.
func (r *Resolver) Missing(topic model.Topic) []model.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return missing(r.state(topic))
}

func missing(ts *topicState) []model.Cursor {
	need := model.GlobalCursor{}
	for _, o := range ts.orphans {
		for _, c := range ts.mark.Missing(o.DependsOn) {
			need.Apply(c)
		}
	}
	return need.Cursors()
}

// Resolve asks the backfiller for the cursors the topic's orphans are
// missing and pushes what it returns. It returns the envelopes that became
// ready as a result.
func (r *Resolver) Resolve(ctx context.Context, topic model.Topic) ([]model.Envelope, error) {
	if r.backfiller == nil {
		return nil, fmt.Errorf("resolve %s: no backfiller configured", topic)
	}
	r.mu.Lock()
	ts := r.state(topic)
	need := missing(ts)
	since := ts.mark.Clone()
	r.mu.Unlock()

	if len(need) == 0 {
		return nil, nil
	}
	envs, err := r.backfiller.Backfill(ctx, topic, since, need)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", topic, err)
	}
	r.logger.Debug("backfilled missing dependencies",
		zap.Stringer("topic", topic), zap.Int("missing", len(need)), zap.Int("fetched", len(envs)))
	return r.Push(envs...), nil
}
