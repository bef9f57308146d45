package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the set holding online user ids.
const DefaultRedisKey = "miclink:online"

// Directory mirrors the hub's online set outside the process. The hub's
// own map stays authoritative.
type Directory interface {
	Add(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
	Members(ctx context.Context) ([]string, error)
	Close() error
}

type MemoryDirectory struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{set: make(map[string]struct{})}
}

func (d *MemoryDirectory) Add(_ context.Context, userID string) error {
	d.mu.Lock()
	d.set[userID] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Remove(_ context.Context, userID string) error {
	d.mu.Lock()
	delete(d.set, userID)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Members(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.set))
	for id := range d.set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) Close() error { return nil }

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisDirectory keeps the online set in a Redis SET so other processes can
// read presence without speaking the signaling protocol.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

// NewRedisDirectory connects and clears any set left by a previous run.
func NewRedisDirectory(ctx context.Context, opts RedisOptions) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	key := opts.Key
	if key == "" {
		key = DefaultRedisKey
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("reset %s: %w", key, err)
	}
	return &RedisDirectory{client: client, key: key}, nil
}

func (d *RedisDirectory) Add(ctx context.Context, userID string) error {
	return d.client.SAdd(ctx, d.key, userID).Err()
}

func (d *RedisDirectory) Remove(ctx context.Context, userID string) error {
	return d.client.SRem(ctx, d.key, userID).Err()
}

func (d *RedisDirectory) Members(ctx context.Context) ([]string, error) {
	out, err := d.client.SMembers(ctx, d.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
