// Package redis holds the node's shared counters and lists: originator
// sequence ids, per-group commit logs and the node directory.
package redis

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "e2e_group:"

type (
	RedisService struct {
		rdb *redis.Client
	}

	commitLogItem struct {
		Publisher []byte               `cbor:"1,keyasint"`
		Entry     model.CommitLogEntry `cbor:"2,keyasint"`
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func sequenceKey(nodeID uint32) string { return fmt.Sprintf("%sseq:%d", keyPrefix, nodeID) }

func commitLogKey(group model.GroupID) string { return keyPrefix + "commit_log:" + group.String() }

const nodesKey = keyPrefix + "nodes"

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// NextSequenceID allocates the node's next originator sequence id.
func (r *RedisService) NextSequenceID(ctx context.Context, nodeID uint32) (uint64, error) {
	n, err := r.rdb.Incr(ctx, sequenceKey(nodeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr sequence for node %d: %w", nodeID, err)
	}
	return uint64(n), nil
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) (int64, error) {
	return r.rdb.RPush(ctx, key, value...).Result()
}

func (r *RedisService) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.rdb.LRange(ctx, key, start, stop).Result()
}

// AppendCommitLog appends entries to the group's remote log. Log sequence
// ids are list positions starting at 1.
func (r *RedisService) AppendCommitLog(ctx context.Context, group model.GroupID, publisher []byte, entries []model.CommitLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	vals := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := codec.Marshal(commitLogItem{Publisher: publisher, Entry: e})
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	_, err := r.RPush(ctx, commitLogKey(group), vals...)
	return err
}

// CommitLog returns up to limit entries after log sequence id after.
func (r *RedisService) CommitLog(ctx context.Context, group model.GroupID, after uint64, limit int) ([]model.RemoteCommitLogEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(after) + int64(limit) - 1
	}
	vals, err := r.LRange(ctx, commitLogKey(group), int64(after), stop)
	if err != nil {
		return nil, err
	}
	out := make([]model.RemoteCommitLogEntry, 0, len(vals))
	for i, v := range vals {
		var item commitLogItem
		if err := codec.Unmarshal([]byte(v), &item); err != nil {
			return nil, fmt.Errorf("decode commit log entry: %w", err)
		}
		out = append(out, model.RemoteCommitLogEntry{
			LogSequenceID: after + uint64(i) + 1,
			Publisher:     item.Publisher,
			Entry:         item.Entry,
		})
	}
	return out, nil
}

// PutNode records a node's proof key in the directory.
func (r *RedisService) PutNode(ctx context.Context, nodeID uint32, publicKey []byte) error {
	return r.rdb.HSet(ctx, nodesKey, strconv.FormatUint(uint64(nodeID), 10), publicKey).Err()
}

func (r *RedisService) Nodes(ctx context.Context) (map[uint32][]byte, error) {
	vals, err := r.rdb.HGetAll(ctx, nodesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]byte, len(vals))
	for k, v := range vals {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		out[uint32(id)] = []byte(v)
	}
	return out, nil
}
