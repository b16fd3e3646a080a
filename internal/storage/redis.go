package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenic/factsheet/internal/model"
)

const (
	defaultNamespace = "factsheet"
	defaultTTL       = 0 // 0 disables TTL refresh entirely
)

// RedisOption configures a RedisAdapter.
type RedisOption func(*RedisAdapter)

// WithNamespace sets the key namespace prefix. Defaults to "factsheet".
func WithNamespace(ns string) RedisOption {
	return func(a *RedisAdapter) {
		if ns != "" {
			a.namespace = ns
		}
	}
}

// WithTTL sets the TTL refreshed on every successful Set. A zero TTL (the
// default) disables expiry — records live until explicitly deleted. Per
// design note (c), TTL refresh happens only on successful write; reads
// never extend it.
func WithTTL(ttl time.Duration) RedisOption {
	return func(a *RedisAdapter) {
		a.ttl = ttl
	}
}

// RedisAdapter is the scripted key-value Adapter backend. Each subject
// occupies four keys (profile, provenance, meta/version, history sorted
// set scored by timestamp); Set runs a single atomic Lua script so the
// version check and all four writes happen as one server-side operation,
// without a client-side transaction or WATCH loop.
type RedisAdapter struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	setScript *redis.Script
}

// NewRedisAdapter parses redisURL (e.g. "redis://localhost:6379/0"),
// connects, and verifies connectivity with a ping.
func NewRedisAdapter(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisAdapter, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	a := &RedisAdapter{
		client:    client,
		namespace: defaultNamespace,
		ttl:       defaultTTL,
		setScript: redis.NewScript(setScriptLua),
	}
	for _, opt := range opts {
		opt(a)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}
	return a, nil
}

func (a *RedisAdapter) profileKey(subject string) string    { return a.namespace + ":profile:" + subject }
func (a *RedisAdapter) provenanceKey(subject string) string { return a.namespace + ":provenance:" + subject }
func (a *RedisAdapter) metaKey(subject string) string       { return a.namespace + ":meta:" + subject }
func (a *RedisAdapter) historyKey(subject string) string    { return a.namespace + ":history:" + subject }

// setScriptLua atomically: reads the current version from the meta key
// (0 if absent); if force=0 and expected!="" and expected doesn't match
// the current version, returns {"CONFLICT", current}; otherwise writes
// profile/provenance/meta (version+1) and pushes history members into the
// sorted set, refreshing TTLs on all four keys when ttl>0, and returns
// {"OK", newVersion}.
const setScriptLua = `
local profileKey = KEYS[1]
local provenanceKey = KEYS[2]
local metaKey = KEYS[3]
local historyKey = KEYS[4]

local profileVal = ARGV[1]
local provenanceVal = ARGV[2]
local expected = ARGV[3]
local force = ARGV[4]
local ttl = tonumber(ARGV[5])
local historyCount = tonumber(ARGV[6])

local current = tonumber(redis.call('GET', metaKey) or '0')

if force == '0' and expected ~= '' then
  local expectedNum = tonumber(expected)
  if expectedNum ~= current then
    return {'CONFLICT', tostring(current)}
  end
end

local newVersion = current + 1

redis.call('SET', profileKey, profileVal)
redis.call('SET', provenanceKey, provenanceVal)
redis.call('SET', metaKey, tostring(newVersion))

for i = 1, historyCount do
  local member = ARGV[6 + i * 2 - 1]
  local score = ARGV[6 + i * 2]
  redis.call('ZADD', historyKey, score, member)
end

if ttl > 0 then
  redis.call('PEXPIRE', profileKey, ttl)
  redis.call('PEXPIRE', provenanceKey, ttl)
  redis.call('PEXPIRE', metaKey, ttl)
  redis.call('PEXPIRE', historyKey, ttl)
end

return {'OK', tostring(newVersion)}
`

func (a *RedisAdapter) Get(ctx context.Context, subject string) (Record, bool, error) {
	pipe := a.client.Pipeline()
	profileCmd := pipe.Get(ctx, a.profileKey(subject))
	provenanceCmd := pipe.Get(ctx, a.provenanceKey(subject))
	metaCmd := pipe.Get(ctx, a.metaKey(subject))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Record{}, false, fmt.Errorf("storage: redis get pipeline: %w", err)
	}

	metaRaw, err := metaCmd.Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("storage: redis get meta: %w", err)
	}

	var profile model.Profile
	if raw, err := profileCmd.Result(); err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), &profile); jsonErr != nil {
			return Record{}, false, fmt.Errorf("storage: decode profile: %w", jsonErr)
		}
	}
	var provenance model.Provenance
	if raw, err := provenanceCmd.Result(); err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), &provenance); jsonErr != nil {
			return Record{}, false, fmt.Errorf("storage: decode provenance: %w", jsonErr)
		}
	}

	return Record{Profile: profile, Provenance: provenance, Etag: metaRaw}, true, nil
}

func (a *RedisAdapter) Set(ctx context.Context, subject string, profile model.Profile, provenance model.Provenance, history []model.HistoryEntry, opts SetOptions) (string, error) {
	profileRaw, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("storage: encode profile: %w", err)
	}
	provenanceRaw, err := json.Marshal(provenance)
	if err != nil {
		return "", fmt.Errorf("storage: encode provenance: %w", err)
	}

	force := "0"
	if opts.Force {
		force = "1"
	}

	keys := []string{a.profileKey(subject), a.provenanceKey(subject), a.metaKey(subject), a.historyKey(subject)}
	args := []any{profileRaw, provenanceRaw, opts.Etag, force, a.ttl.Milliseconds(), len(history)}
	for _, h := range history {
		member, err := json.Marshal(h)
		if err != nil {
			return "", fmt.Errorf("storage: encode history entry: %w", err)
		}
		args = append(args, string(member), h.TimestampMs)
	}

	raw, err := a.setScript.Run(ctx, a.client, keys, args...).Result()
	if err != nil {
		return "", fmt.Errorf("storage: redis set script: %w", err)
	}
	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return "", fmt.Errorf("storage: unexpected redis set reply: %v", raw)
	}
	status, _ := reply[0].(string)
	value, _ := reply[1].(string)
	if status == "CONFLICT" {
		return "", &ConflictError{Current: value}
	}
	return value, nil
}

func (a *RedisAdapter) AppendHistory(ctx context.Context, subject string, history []model.HistoryEntry) error {
	if len(history) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(history))
	for _, h := range history {
		raw, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("storage: encode history entry: %w", err)
		}
		members = append(members, redis.Z{Score: float64(h.TimestampMs), Member: string(raw)})
	}
	if err := a.client.ZAdd(ctx, a.historyKey(subject), members...).Err(); err != nil {
		return fmt.Errorf("storage: redis append history: %w", err)
	}
	return nil
}

func (a *RedisAdapter) GetHistory(ctx context.Context, subject string, query HistoryQuery) (HistoryPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	maxScore := "+inf"
	if query.Cursor != "" {
		maxScore = "(" + query.Cursor // exclusive upper bound: strictly older than cursor
	}

	// Fetch one extra member to detect whether another page remains. A
	// field filter is applied client-side over this window rather than
	// server-side, since all fields for a subject share one sorted set;
	// a heavily field-filtered history on a multi-field subject may
	// return a short page before NextCursor is exhausted.
	results, err := a.client.ZRevRangeByScoreWithScores(ctx, a.historyKey(subject), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return HistoryPage{}, fmt.Errorf("storage: redis history range: %w", err)
	}

	var page HistoryPage
	for i, z := range results {
		member, _ := z.Member.(string)
		var h model.HistoryEntry
		if err := json.Unmarshal([]byte(member), &h); err != nil {
			return HistoryPage{}, fmt.Errorf("storage: decode history member: %w", err)
		}
		if query.Field != "" && h.Field != query.Field {
			continue
		}
		if i >= limit {
			page.NextCursor = fmt.Sprintf("%d", int64(z.Score))
			break
		}
		page.Entries = append(page.Entries, HistoryRecord{Entry: h, Cursor: fmt.Sprintf("%d", int64(z.Score))})
	}
	return page, nil
}

func (a *RedisAdapter) Delete(ctx context.Context, subject string) error {
	keys := []string{a.profileKey(subject), a.provenanceKey(subject), a.metaKey(subject), a.historyKey(subject)}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("storage: redis delete: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client connection pool.
func (a *RedisAdapter) Close() error {
	return a.client.Close()
}

func (a *RedisAdapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}
