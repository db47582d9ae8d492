package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/msageha/commsengine/internal/syncqueue"
)

// KEYS[1] = state hash key
// ARGV[1] = state JSON, ARGV[2] = schema version, ARGV[3] = persisted_at (unix ms)
// Returns 1 when written, 0 when the stored copy is newer.
var redisSaveScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "persisted_at"))
local incoming = tonumber(ARGV[3])
if current and current > incoming then
    return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "schema_version", ARGV[2], "persisted_at", ARGV[3])
return 1
`)

const redisKeyPrefix = "commsengine:state:"

// RedisStore keeps each key as a Redis hash.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		now:    time.Now,
	}
}

func redisKey(namespace, scopeKey string) string {
	return redisKeyPrefix + namespace + ":" + scopeKey
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Save(ctx context.Context, namespace, scopeKey string, schemaVersion int, state json.RawMessage) error {
	keys := []string{redisKey(namespace, scopeKey)}
	err := redisSaveScript.Run(ctx, s.client, keys, string(state), schemaVersion, s.now().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("redis save %s:%s: %w", namespace, scopeKey, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, namespace, scopeKey string) (*syncqueue.StoredState, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(namespace, scopeKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load %s:%s: %w", namespace, scopeKey, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	version, err := strconv.Atoi(fields["schema_version"])
	if err != nil {
		return nil, fmt.Errorf("redis load %s:%s: bad schema_version: %w", namespace, scopeKey, err)
	}
	persistedMs, err := strconv.ParseInt(fields["persisted_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis load %s:%s: bad persisted_at: %w", namespace, scopeKey, err)
	}
	return &syncqueue.StoredState{
		State:         json.RawMessage(fields["state"]),
		PersistedAt:   time.UnixMilli(persistedMs).UTC(),
		SchemaVersion: version,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
