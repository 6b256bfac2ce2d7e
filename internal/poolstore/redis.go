package poolstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// releaseScript moves a member from busy to idle only while idle is below the
// cap, so two concurrent releases cannot both squeeze into the last slot.
var releaseScript = redis.NewScript(`
local cap = tonumber(ARGV[2])
if cap > 0 and redis.call('SCARD', KEYS[1]) >= cap then
	return 0
end
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`)

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) AddIdle(ctx context.Context, tenantID, name string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, busyKey(tenantID), name)
		pipe.SAdd(ctx, idleKey(tenantID), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add idle %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) TakeIdle(ctx context.Context, tenantID string) (string, bool, error) {
	name, err := s.client.SPop(ctx, idleKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take idle: %w", err)
	}
	return name, true, nil
}

func (s *RedisStore) MarkBusy(ctx context.Context, tenantID, name string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, idleKey(tenantID), name)
		pipe.SAdd(ctx, busyKey(tenantID), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark busy %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) ReleaseToIdle(ctx context.Context, tenantID, name string, maxIdle int) (bool, error) {
	moved, err := releaseScript.Run(ctx, s.client,
		[]string{idleKey(tenantID), busyKey(tenantID)}, name, maxIdle).Int()
	if err != nil {
		return false, fmt.Errorf("release to idle %s: %w", name, err)
	}
	return moved == 1, nil
}

func (s *RedisStore) RemoveIdle(ctx context.Context, tenantID, name string) (bool, error) {
	n, err := s.client.SRem(ctx, idleKey(tenantID), name).Result()
	if err != nil {
		return false, fmt.Errorf("remove idle %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *RedisStore) GetRecord(ctx context.Context, name string) (*Record, error) {
	m, err := s.client.HGetAll(ctx, infoKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", name, err)
	}
	if len(m) == 0 {
		return nil, ErrRecordNotFound
	}
	return recordFromHash(name, m), nil
}

func (s *RedisStore) PutRecord(ctx context.Context, rec *Record) error {
	fields := make(map[string]interface{}, 11)
	for k, v := range rec.hash() {
		fields[k] = v
	}
	if err := s.client.HSet(ctx, infoKey(rec.Name), fields).Err(); err != nil {
		return fmt.Errorf("put record %s: %w", rec.Name, err)
	}
	return nil
}

func (s *RedisStore) SetField(ctx context.Context, name, field, value string) error {
	if err := s.client.HSet(ctx, infoKey(name), field, value).Err(); err != nil {
		return fmt.Errorf("set %s.%s: %w", name, field, err)
	}
	return nil
}

func (s *RedisStore) IncrReuse(ctx context.Context, name string) (int, error) {
	n, err := s.client.HIncrBy(ctx, infoKey(name), FieldReuseCount, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("incr reuse %s: %w", name, err)
	}
	return int(n), nil
}

func (s *RedisStore) Delete(ctx context.Context, tenantID, name string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, idleKey(tenantID), name)
		pipe.SRem(ctx, busyKey(tenantID), name)
		pipe.Del(ctx, infoKey(name))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) ListIdle(ctx context.Context, tenantID string) ([]string, error) {
	return s.client.SMembers(ctx, idleKey(tenantID)).Result()
}

func (s *RedisStore) ListBusy(ctx context.Context, tenantID string) ([]string, error) {
	return s.client.SMembers(ctx, busyKey(tenantID)).Result()
}

func (s *RedisStore) IdleCount(ctx context.Context, tenantID string) (int, error) {
	n, err := s.client.SCard(ctx, idleKey(tenantID)).Result()
	return int(n), err
}

func (s *RedisStore) TenantsWithIdle(ctx context.Context) ([]string, error) {
	var (
		tenants []string
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, poolKeyPrefix+"*"+idleSuffix, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pools: %w", err)
		}
		for _, k := range keys {
			if tenant, ok := tenantFromIdleKey(k); ok {
				tenants = append(tenants, tenant)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return tenants, nil
}
