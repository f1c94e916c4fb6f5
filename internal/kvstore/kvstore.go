// Package kvstore implements the conditional key-value store the
// distributed lock and health store are built on: versioned
// put-if-absent-or-expired, put-if-version-matches, and
// delete-if-version-matches, all with TTLs. Backed by Redis via
// SET NX PX plus Lua compare-and-swap scripts; expired keys are
// reaped by Redis itself, which is what makes "absent or expired"
// a single atomic claim.
package kvstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrVersionMismatch is returned by PutIfMatch/DeleteIfMatch when the
// stored version no longer matches expectedVersion (someone else holds
// or has released the record).
var ErrVersionMismatch = errors.New("kvstore: version mismatch")

// ErrNotAbsent is returned by PutIfAbsentOrExpired when a live (non-
// expired) record already exists under key.
var ErrNotAbsent = errors.New("kvstore: key held and not expired")

// Record is a stored value plus its opacity token for conditional
// updates. Version is a random token assigned on every successful write.
type Record struct {
	Value   []byte
	Version string
}

// Store is the conditional KV contract the lock and health packages
// depend on.
type Store interface {
	// Get returns the current record, or found=false if absent.
	Get(ctx context.Context, key string) (rec Record, found bool, err error)
	// PutIfAbsentOrExpired writes value with a fresh TTL only if key is
	// unset or its previous TTL has elapsed. Returns the new version on
	// success, or ErrNotAbsent if a live record already exists.
	PutIfAbsentOrExpired(ctx context.Context, key string, value []byte, ttl time.Duration) (version string, err error)
	// PutIfMatch writes value with a fresh TTL only if the stored
	// version equals expectedVersion. Returns the new version on
	// success, or ErrVersionMismatch otherwise.
	PutIfMatch(ctx context.Context, key, expectedVersion string, value []byte, ttl time.Duration) (version string, err error)
	// DeleteIfMatch deletes key only if the stored version equals
	// expectedVersion. A no-op (nil error) if key is already absent.
	DeleteIfMatch(ctx context.Context, key, expectedVersion string) error
}

// RedisStore is the production Store, backed by a *redis.Client (or any
// redis.Cmdable, so tests can point it at miniredis).
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// versioned wire format: "<version>\x00<value>"
const sep = '\x00'

func encode(version string, value []byte) []byte {
	buf := make([]byte, 0, len(version)+1+len(value))
	buf = append(buf, version...)
	buf = append(buf, sep)
	buf = append(buf, value...)
	return buf
}

func decode(raw []byte) (version string, value []byte) {
	for i, b := range raw {
		if b == sep {
			return string(raw[:i]), raw[i+1:]
		}
	}
	return "", raw
}

func newVersion() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	version, value := decode(raw)
	return Record{Value: value, Version: version}, true, nil
}

// putIfAbsentScript: SET key value PX ttl_ms NX. Redis's own NX handles the
// "absent or expired" case for us, since expired keys are reaped by
// Redis before this command even runs.
var putIfAbsentScript = redis.NewScript(`
local ok = redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2], "NX")
if ok then
	return 1
end
return 0
`)

func (s *RedisStore) PutIfAbsentOrExpired(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	version := newVersion()
	res, err := putIfAbsentScript.Run(ctx, s.rdb, []string{key}, encode(version, value), ttl.Milliseconds()).Int()
	if err != nil {
		return "", err
	}
	if res == 0 {
		return "", ErrNotAbsent
	}
	return version, nil
}

var putIfMatchScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local sep = string.find(raw, "\0", 1, true)
if not sep then
	return 0
end
local version = string.sub(raw, 1, sep - 1)
if version ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

func (s *RedisStore) PutIfMatch(ctx context.Context, key, expectedVersion string, value []byte, ttl time.Duration) (string, error) {
	newVer := newVersion()
	res, err := putIfMatchScript.Run(ctx, s.rdb, []string{key}, expectedVersion, encode(newVer, value), ttl.Milliseconds()).Int()
	if err != nil {
		return "", err
	}
	if res == 0 {
		return "", ErrVersionMismatch
	}
	return newVer, nil
}

var deleteIfMatchScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 1
end
local sep = string.find(raw, "\0", 1, true)
if not sep then
	return 0
end
local version = string.sub(raw, 1, sep - 1)
if version ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

func (s *RedisStore) DeleteIfMatch(ctx context.Context, key, expectedVersion string) error {
	res, err := deleteIfMatchScript.Run(ctx, s.rdb, []string{key}, expectedVersion).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrVersionMismatch
	}
	return nil
}
