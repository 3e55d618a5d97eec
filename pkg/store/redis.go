package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each version as a JSON document under
// config:<name>:<version>. Appends to the same name are serialized by an
// in-process per-name lock: all writes flow through the single leader, so a
// shared Redis instance never sees two concurrent appenders for one name.
type RedisBackend struct {
	client *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRedisBackend(ctx context.Context, address, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()

		return nil, fmt.Errorf("cannot ping redis server: %w", err)
	}

	return &RedisBackend{
		client: client,

		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (b *RedisBackend) Close() {
	b.client.Close()
}

func (b *RedisBackend) nameLock(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, found := b.locks[name]
	if !found {
		lock = &sync.Mutex{}
		b.locks[name] = lock
	}

	return lock
}

func versionKey(name string, version int64) string {
	return fmt.Sprintf("config:%s:%d", name, version)
}

func (b *RedisBackend) Append(ctx context.Context, name string, data map[string]interface{}) (*ConfigVersion, error) {
	if name == "" {
		return nil, fmt.Errorf("missing or empty configuration name")
	}

	lock := b.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	versions, err := b.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}

	var next int64
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	version := &ConfigVersion{
		Name:      name,
		Version:   next,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	if err := b.setVersion(ctx, version, true); err != nil {
		return nil, err
	}

	return version, nil
}

func (b *RedisBackend) Apply(ctx context.Context, version *ConfigVersion) (bool, error) {
	lock := b.nameLock(version.Name)
	lock.Lock()
	defer lock.Unlock()

	existing, err := b.GetVersion(ctx, version.Name, version.Version)
	if err == nil {
		if !sameData(existing.Data, version.Data) {
			return false, fmt.Errorf("version %d of %q: %w",
				version.Version, version.Name, ErrConflict)
		}

		return false, nil
	}

	if err := b.setVersion(ctx, version, false); err != nil {
		return false, err
	}

	return true, nil
}

func (b *RedisBackend) setVersion(ctx context.Context, version *ConfigVersion, exclusive bool) error {
	data, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("cannot encode version: %w", err)
	}

	key := versionKey(version.Name, version.Version)

	if exclusive {
		set, err := b.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("cannot store %q: %w", key, err)
		}

		if !set {
			return fmt.Errorf("key %q already exists", key)
		}

		return nil
	}

	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("cannot store %q: %w", key, err)
	}

	return nil
}

func (b *RedisBackend) GetLatest(ctx context.Context, name string) (*ConfigVersion, error) {
	versions, err := b.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("configuration %q: %w", name, ErrNotFound)
	}

	return b.GetVersion(ctx, name, versions[len(versions)-1])
}

func (b *RedisBackend) GetVersion(ctx context.Context, name string, versionNumber int64) (*ConfigVersion, error) {
	key := versionKey(name, versionNumber)

	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("version %d of %q: %w",
				versionNumber, name, ErrNotFound)
		}

		return nil, fmt.Errorf("cannot fetch %q: %w", key, err)
	}

	var version ConfigVersion
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", key, err)
	}

	return &version, nil
}

func (b *RedisBackend) ListVersions(ctx context.Context, name string) ([]int64, error) {
	pattern := fmt.Sprintf("config:%s:*", name)

	keys, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot list keys: %w", err)
	}

	versions := make([]int64, 0, len(keys))

	for _, key := range keys {
		idx := strings.LastIndexByte(key, ':')

		version, err := strconv.ParseInt(key[idx+1:], 10, 64)
		if err != nil {
			continue
		}

		versions = append(versions, version)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i] < versions[j]
	})

	return versions, nil
}
