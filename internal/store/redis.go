package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tabctl:job:"

// Redis shares outcomes between hosts. Every record is a JSON string key and
// every job keeps a set of its item ids.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

func redisItemKey(jobID, itemID string) string {
	return redisKeyPrefix + jobID + ":item:" + itemID
}

func redisIndexKey(jobID string) string {
	return redisKeyPrefix + jobID + ":items"
}

func (s *Redis) Upsert(ctx context.Context, rec Record) error {
	stamp(&rec)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisItemKey(rec.JobID, rec.ItemID), payload, s.ttl)
		pipe.SAdd(ctx, redisIndexKey(rec.JobID), rec.ItemID)
		if s.ttl > 0 {
			pipe.Expire(ctx, redisIndexKey(rec.JobID), s.ttl)
		}
		return nil
	})
	return err
}

func (s *Redis) Get(ctx context.Context, jobID, itemID string) (*Record, error) {
	data, err := s.rdb.Get(ctx, redisItemKey(jobID, itemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Redis) List(ctx context.Context, jobID string) ([]Record, error) {
	ids, err := s.rdb.SMembers(ctx, redisIndexKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisItemKey(jobID, id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired between SMEMBERS and MGET
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", keys[i], err)
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}
