package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every store failure caused by the Redis
// backend rather than by the session data itself.
var ErrRedisUnavailable = errors.New("redis unavailable")

// saveWithEvictScript inserts a device session and evicts oldest sessions
// until the device limit holds, all in one atomic step. Returns the JSON
// blobs of every session removed (the replaced same-device record and any
// limit evictions) so the caller can publish revoke events for them.
const saveWithEvictScript = `
local replaced = redis.call("HGET", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])

local removed = {}
if replaced then
  removed[#removed + 1] = replaced
end

local limit = tonumber(ARGV[3])
while redis.call("HLEN", KEYS[1]) > limit do
  local all = redis.call("HGETALL", KEYS[1])
  local oldest_field = nil
  local oldest_iat = nil
  for i = 1, #all, 2 do
    local field = all[i]
    if field ~= ARGV[1] then
      local ok, rec = pcall(cjson.decode, all[i + 1])
      local iat = 0
      if ok and rec.iat then
        iat = tonumber(rec.iat)
      end
      if not oldest_iat or iat < oldest_iat then
        oldest_field = field
        oldest_iat = iat
      end
    end
  end
  if not oldest_field then
    break
  end
  removed[#removed + 1] = redis.call("HGET", KEYS[1], oldest_field)
  redis.call("HDEL", KEYS[1], oldest_field)
end

redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
return removed
`

var saveWithEvictLua = redis.NewScript(saveWithEvictScript)

// removeScript deletes one device session and returns its JSON blob, or
// false when absent. Removal of an absent session is a no-op.
const removeScript = `
local rec = redis.call("HGET", KEYS[1], ARGV[1])
if rec then
  redis.call("HDEL", KEYS[1], ARGV[1])
end
return rec
`

var removeLua = redis.NewScript(removeScript)

// removeAllScript deletes every session of a user and returns their JSON
// blobs.
const removeAllScript = `
local all = redis.call("HGETALL", KEYS[1])
local removed = {}
for i = 2, #all, 2 do
  removed[#removed + 1] = all[i]
end
redis.call("DEL", KEYS[1])
return removed
`

var removeAllLua = redis.NewScript(removeAllScript)

// Store is the Redis-backed active-session store. One hash per user,
// keyed by device ID; the hash key carries the session lifetime as TTL.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(redis redis.UniversalClient, prefix string) *Store {
	return &Store{
		redis:  redis,
		prefix: prefix,
	}
}

func (s *Store) key(userID string) string {
	return s.prefix + ":d:" + userID
}

// Save writes the record for (rec.UserID, rec.DeviceID), overwriting a
// previous login on the same device, and evicts oldest-by-issued-at
// sessions until the user holds at most limit sessions. The whole
// operation runs as one Lua script, so concurrent logins from other
// devices cannot observe or create an over-limit state.
//
// The returned slice contains every session removed by this call.
func (s *Store) Save(ctx context.Context, rec *Record, limit int, ttl time.Duration) ([]Record, error) {
	if limit < 1 {
		return nil, errors.New("device limit must be >= 1")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	result, err := saveWithEvictLua.Run(
		ctx,
		s.redis,
		[]string{s.key(rec.UserID)},
		rec.DeviceID,
		data,
		limit,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return decodeRecordList(result)
}

// Get returns the session for (userID, deviceID). A missing session is
// reported as redis.Nil.
func (s *Store) Get(ctx context.Context, userID, deviceID string) (*Record, error) {
	data, err := s.redis.HGet(ctx, s.key(userID), deviceID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns all of a user's active sessions.
func (s *Store) List(ctx context.Context, userID string) ([]Record, error) {
	values, err := s.redis.HVals(ctx, s.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	records := make([]Record, 0, len(values))
	for _, v := range values {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count returns the number of active sessions for a user.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	n, err := s.redis.HLen(ctx, s.key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

// Remove deletes the session for (userID, deviceID) and returns it.
// Removing an absent session returns (nil, nil).
func (s *Store) Remove(ctx context.Context, userID, deviceID string) (*Record, error) {
	result, err := removeLua.Run(ctx, s.redis, []string{s.key(userID)}, deviceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	blob, ok := luaString(result)
	if !ok {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RemoveAll deletes every session of a user and returns them.
func (s *Store) RemoveAll(ctx context.Context, userID string) ([]Record, error) {
	result, err := removeAllLua.Run(ctx, s.redis, []string{s.key(userID)}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return decodeRecordList(result)
}

// Touch updates the last-seen timestamp for (userID, deviceID). Last-seen
// is advisory metadata, so the read-modify-write here does not need the
// atomicity that Save requires.
func (s *Store) Touch(ctx context.Context, userID, deviceID string, now time.Time) error {
	rec, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	rec.LastSeen = now.Unix()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := s.redis.HSet(ctx, s.key(userID), deviceID, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeRecordList(result interface{}) ([]Record, error) {
	parts, ok := result.([]interface{})
	if !ok {
		return []Record{}, nil
	}

	records := make([]Record, 0, len(parts))
	for _, part := range parts {
		blob, ok := luaString(part)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func luaString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
