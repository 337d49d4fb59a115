package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// The version of KEYS[1] lives in KEYS[2]. The version key has no expiry and
// survives Delete, so a key that comes back never reuses an old version.
const currentVersionLua = `
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
`

const writeLua = `
local function write(nv)
  local ttl = tonumber(ARGV[3])
  if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
  else
    redis.call('SET', KEYS[1], ARGV[2])
  end
  redis.call('SET', KEYS[2], nv)
  return nv
end
`

var (
	casScript = redis.NewScript(currentVersionLua + writeLua + `
if cur ~= tonumber(ARGV[1]) then
  return {0, cur}
end
return {1, write(cur + 1)}
`)
	setScript = redis.NewScript(currentVersionLua + writeLua + `
return write(cur + 1)
`)
)

// RedisStore keeps values in Redis. Writes run as Lua scripts so the version
// check and the write are atomic.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func versionKey(key string) string { return key + ":version" }

func (s *RedisStore) Get(ctx context.Context, key string) (Versioned, error) {
	vals, err := s.client.MGet(ctx, key, versionKey(key)).Result()
	if err != nil {
		return Versioned{}, err
	}
	var out Versioned
	if raw, ok := vals[1].(string); ok {
		out.Version, _ = strconv.ParseInt(raw, 10, 64)
	}
	if value, ok := vals[0].(string); ok {
		out.Value, out.Found = value, true
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	return setScript.Run(ctx, s.client, []string{key, versionKey(key)}, 0, value, ttl.Milliseconds()).Int64()
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected int64, value string, ttl time.Duration) (int64, error) {
	res, err := casScript.Run(ctx, s.client, []string{key, versionKey(key)}, expected, value, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, err
	}
	if len(res) != 2 {
		return 0, errors.New("unexpected reply from compare-and-swap script")
	}
	if res[0] == 0 {
		return res[1], ErrVersionConflict
	}
	return res[1], nil
}

func (s *RedisStore) AddToSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) Members(ctx context.Context, key string) ([]string, error) {
	out, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the values and leaves their version keys in place.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
