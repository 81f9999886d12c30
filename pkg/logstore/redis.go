package logstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps an ordered index of hex-encoded keys in a sorted set (all scores 0, so
// members sort lexically) and the values in a hash. Lowercase hex preserves bytewise order.
type redisStore struct {
	rdb    *redis.Client
	index  string
	values string
}

func OpenRedis(ctx context.Context, dsn string) (Store, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return &redisStore{rdb: rdb, index: "relay:index", values: "relay:values"}, nil
}

func (s *redisStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := s.rdb.HGet(ctx, s.values, hex.EncodeToString(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	return v, nil
}

func (s *redisStore) Put(ctx context.Context, key, value []byte) error {
	return s.Write(ctx, []Op{Put(key, value)})
}

func (s *redisStore) Delete(ctx context.Context, key []byte) error {
	return s.Write(ctx, []Op{Del(key)})
}

func (s *redisStore) Scan(ctx context.Context, r Range) ([]KV, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if r.Gte != nil {
		by.Min = "[" + hex.EncodeToString(r.Gte)
	}
	if r.Lt != nil {
		by.Max = "(" + hex.EncodeToString(r.Lt)
	}
	if r.Limit > 0 {
		by.Count = int64(r.Limit)
	}
	var (
		members []string
		err     error
	)
	if r.Reverse {
		members, err = s.rdb.ZRevRangeByLex(ctx, s.index, by).Result()
	} else {
		members, err = s.rdb.ZRangeByLex(ctx, s.index, by).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to range index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	values, err := s.rdb.HMGet(ctx, s.values, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read values: %w", err)
	}
	out := make([]KV, 0, len(members))
	for i, m := range members {
		v, ok := values[i].(string)
		if !ok {
			// removed between the two reads
			continue
		}
		k, err := hex.DecodeString(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt index member %q: %w", m, err)
		}
		out = append(out, KV{Key: k, Value: []byte(v)})
	}
	return out, nil
}

func (s *redisStore) Write(ctx context.Context, ops []Op) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			member := hex.EncodeToString(op.Key)
			if op.Delete {
				pipe.ZRem(ctx, s.index, member)
				pipe.HDel(ctx, s.values, member)
				continue
			}
			pipe.ZAdd(ctx, s.index, redis.Z{Score: 0, Member: member})
			pipe.HSet(ctx, s.values, member, op.Value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
