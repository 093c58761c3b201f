package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tutorgo-dev/tutorgo/pkg/state"
)

// RedisStore implements Store using Redis. It provides distributed
// checkpoint storage suitable for multi-node deployments.
//
// Key layout:
//
//	<prefix>gen:<session-id>:<unix-ts>   generation envelope (JSON)
//	<prefix>gens:<session-id>            ZSET of generation timestamps
//	<prefix>sessions                     SET of known session ids
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool

	now func() time.Time
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all checkpoint keys (default:
	// "tutorgo:ckpt:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// genEnvelope is the stored form of one generation: the snapshot plus its
// last-write time, which drives expiry.
type genEnvelope struct {
	State     *state.ConversationState `json:"state"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// NewRedisStore creates a Redis checkpoint store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tutorgo:ckpt:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tutorgo:ckpt:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Key helpers
func (r *RedisStore) genKey(sessionID string, ts int64) string {
	return r.prefix + "gen:" + sessionID + ":" + strconv.FormatInt(ts, 10)
}

func (r *RedisStore) gensKey(sessionID string) string {
	return r.prefix + "gens:" + sessionID
}

func (r *RedisStore) sessionsKey() string {
	return r.prefix + "sessions"
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// OpenLatest opens the session's most recent generation, creating a fresh
// one stamped "now" when none exists.
func (r *RedisStore) OpenLatest(ctx context.Context, sessionID string) (Generation, bool, error) {
	if err := r.checkOpen(); err != nil {
		return nil, false, err
	}

	tss, err := r.client.ZRevRange(ctx, r.gensKey(sessionID), 0, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("list generations: %w", err)
	}

	if len(tss) > 0 {
		ts, err := strconv.ParseInt(tss[0], 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("parse generation timestamp %q: %w", tss[0], err)
		}
		return &redisGeneration{store: r, sessionID: sessionID, ts: ts}, false, nil
	}

	ts := r.now().Unix()
	gen := &redisGeneration{store: r, sessionID: sessionID, ts: ts}
	if err := gen.save(ctx, state.New(sessionID)); err != nil {
		return nil, false, err
	}
	return gen, true, nil
}

// ListGenerations returns the session's generations, most recent first.
func (r *RedisStore) ListGenerations(ctx context.Context, sessionID string) ([]GenerationInfo, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	tss, err := r.client.ZRevRange(ctx, r.gensKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	infos := make([]GenerationInfo, 0, len(tss))
	for _, raw := range tss {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		env, err := r.loadEnvelope(ctx, sessionID, ts)
		if err != nil {
			if errors.Is(err, ErrGenerationNotFound) {
				// Envelope is gone but the index entry survived; prune it.
				r.client.ZRem(ctx, r.gensKey(sessionID), raw)
				continue
			}
			return nil, err
		}
		infos = append(infos, GenerationInfo{
			SessionID: sessionID,
			Timestamp: ts,
			LastWrite: env.UpdatedAt,
		})
	}
	return infos, nil
}

// ListAll returns every generation across all sessions, most recent first.
func (r *RedisStore) ListAll(ctx context.Context) ([]GenerationInfo, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	sessionIDs, err := r.client.SMembers(ctx, r.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(sessionIDs)

	var infos []GenerationInfo
	for _, id := range sessionIDs {
		sessionInfos, err := r.ListGenerations(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, sessionInfos...)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp > infos[j].Timestamp
	})
	return infos, nil
}

// DeleteGeneration removes one generation and its index entry.
func (r *RedisStore) DeleteGeneration(ctx context.Context, sessionID string, ts int64) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	deleted, err := r.client.Del(ctx, r.genKey(sessionID, ts)).Result()
	if err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	if deleted == 0 {
		return ErrGenerationNotFound
	}

	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, r.gensKey(sessionID), strconv.FormatInt(ts, 10))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("prune generation index: %w", err)
	}
	return nil
}

// Close releases resources held by the store.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) loadEnvelope(ctx context.Context, sessionID string, ts int64) (*genEnvelope, error) {
	data, err := r.client.Get(ctx, r.genKey(sessionID, ts)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrGenerationNotFound
		}
		return nil, fmt.Errorf("get generation: %w", err)
	}

	var env genEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal generation: %w", err)
	}
	return &env, nil
}

// redisGeneration is an open handle to one Redis-backed generation.
type redisGeneration struct {
	store     *RedisStore
	sessionID string
	ts        int64
	mu        sync.Mutex
	closed    bool
}

func (g *redisGeneration) SessionID() string { return g.sessionID }
func (g *redisGeneration) Timestamp() int64  { return g.ts }

// Load reads the current snapshot. A generation deleted out from under
// the handle loads as an empty state rather than failing the session.
func (g *redisGeneration) Load(ctx context.Context) (*state.ConversationState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrStoreClosed
	}

	env, err := g.store.loadEnvelope(ctx, g.sessionID, g.ts)
	if err != nil {
		if errors.Is(err, ErrGenerationNotFound) {
			return state.New(g.sessionID), nil
		}
		return nil, err
	}
	return env.State, nil
}

// Save writes a new snapshot, replacing the previous one.
func (g *redisGeneration) Save(ctx context.Context, st *state.ConversationState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrStoreClosed
	}
	return g.save(ctx, st)
}

func (g *redisGeneration) save(ctx context.Context, st *state.ConversationState) error {
	data, err := json.Marshal(genEnvelope{State: st, UpdatedAt: g.store.now()})
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}

	pipe := g.store.client.Pipeline()
	pipe.Set(ctx, g.store.genKey(g.sessionID, g.ts), data, 0)
	pipe.ZAdd(ctx, g.store.gensKey(g.sessionID), redis.Z{
		Score:  float64(g.ts),
		Member: strconv.FormatInt(g.ts, 10),
	})
	pipe.SAdd(ctx, g.store.sessionsKey(), g.sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save generation: %w", err)
	}
	return nil
}

// Close releases the handle without touching durable data.
func (g *redisGeneration) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	return nil
}
