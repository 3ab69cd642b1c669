package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/model"
)

// RedisConfig configures the Redis session store
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// upsertScript creates or advances one session hash and keeps the rank set
// and global counters in step. KEYS: session, rank, totals.
// ARGV: id, observed_ns, confidence, address, signature.
var upsertScript = redis.NewScript(`
local conf = tonumber(ARGV[3])
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1],
		'session_id', ARGV[1], 'start_time', ARGV[2], 'last_seen', ARGV[2],
		'total_alerts', 1, 'max_confidence', ARGV[3],
		'source_address', ARGV[4], 'client_signature', ARGV[5])
	redis.call('ZADD', KEYS[2], conf, ARGV[1])
	redis.call('HINCRBY', KEYS[3], 'sessions', 1)
	redis.call('HINCRBY', KEYS[3], 'alerts', 1)
	redis.call('HINCRBYFLOAT', KEYS[3], 'confidence_sum', ARGV[3])
	return 1
end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[2], 'source_address', ARGV[4], 'client_signature', ARGV[5])
redis.call('HINCRBY', KEYS[1], 'total_alerts', 1)
redis.call('HINCRBY', KEYS[3], 'alerts', 1)
local current = tonumber(redis.call('HGET', KEYS[1], 'max_confidence'))
if conf > current then
	redis.call('HSET', KEYS[1], 'max_confidence', ARGV[3])
	redis.call('ZADD', KEYS[2], conf, ARGV[1])
	redis.call('HINCRBYFLOAT', KEYS[3], 'confidence_sum', tostring(conf - current))
end
return 0
`)

// repairScript overwrites one session hash if its total_alerts still equals
// the expected value, or creates it when the expected value is 0 and the hash
// is missing. KEYS as upsertScript.
// ARGV: id, start_ns, last_ns, total, confidence, address, signature, expected.
var repairScript = redis.NewScript(`
local conf = tonumber(ARGV[5])
local total = tonumber(ARGV[4])
local expected = tonumber(ARGV[8])
if redis.call('EXISTS', KEYS[1]) == 0 then
	if expected ~= 0 then
		return 0
	end
	redis.call('HINCRBY', KEYS[3], 'sessions', 1)
	redis.call('HINCRBY', KEYS[3], 'alerts', total)
	redis.call('HINCRBYFLOAT', KEYS[3], 'confidence_sum', ARGV[5])
else
	local old = redis.call('HMGET', KEYS[1], 'total_alerts', 'max_confidence')
	if expected == 0 or tonumber(old[1]) ~= expected then
		return 0
	end
	redis.call('HINCRBY', KEYS[3], 'alerts', total - tonumber(old[1]))
	redis.call('HINCRBYFLOAT', KEYS[3], 'confidence_sum', tostring(conf - tonumber(old[2])))
end
redis.call('HSET', KEYS[1],
	'session_id', ARGV[1], 'start_time', ARGV[2], 'last_seen', ARGV[3],
	'total_alerts', ARGV[4], 'max_confidence', ARGV[5],
	'source_address', ARGV[6], 'client_signature', ARGV[7])
redis.call('ZADD', KEYS[2], conf, ARGV[1])
return 1
`)

// RedisSessionStore implements SessionStore using Redis hashes.
// Every mutation is a Lua script, which Redis runs atomically.
type RedisSessionStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
}

// NewRedisSessionStore constructs a Redis-backed session store
func NewRedisSessionStore(logger *zap.Logger, cfg RedisConfig) (*RedisSessionStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "proctor"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storeError("ping redis", err)
	}

	return &RedisSessionStore{
		logger: logger.Named("redis-session-store"),
		client: client,
		prefix: strings.TrimSpace(cfg.KeyPrefix),
	}, nil
}

// Upsert implements SessionStore.Upsert
func (s *RedisSessionStore) Upsert(ctx context.Context, obs model.Observation) error {
	err := upsertScript.Run(ctx, s.client,
		[]string{s.sessionKey(obs.SessionID), s.rankKey(), s.totalsKey()},
		obs.SessionID,
		toNanos(obs.ObservedAt),
		formatFloat(obs.Confidence),
		obs.SourceAddress,
		obs.ClientSignature,
	).Err()
	if err != nil {
		return storeError("upsert session", err)
	}
	return nil
}

// Repair implements SessionStore.Repair
func (s *RedisSessionStore) Repair(ctx context.Context, agg *model.SessionAggregate, expectedTotal int64) (bool, error) {
	applied, err := repairScript.Run(ctx, s.client,
		[]string{s.sessionKey(agg.SessionID), s.rankKey(), s.totalsKey()},
		agg.SessionID,
		toNanos(agg.StartTime),
		toNanos(agg.LastSeenTime),
		agg.TotalAlerts,
		formatFloat(agg.MaxConfidence),
		agg.SourceAddress,
		agg.ClientSignature,
		expectedTotal,
	).Int()
	if err != nil {
		return false, storeError("repair session", err)
	}
	return applied == 1, nil
}

// Get implements SessionStore.Get
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*model.SessionAggregate, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, storeError("get session", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	agg, err := parseSession(fields)
	if err != nil {
		return nil, storeError("decode session", err)
	}
	return agg, nil
}

// Top implements SessionStore.Top.
// The rank set only orders by max confidence, so members tied with the last
// candidate are fetched too and the alert count breaks the tie in process.
func (s *RedisSessionStore) Top(ctx context.Context, n int) ([]*model.SessionAggregate, error) {
	if n <= 0 {
		return []*model.SessionAggregate{}, nil
	}

	ranked, err := s.client.ZRevRangeWithScores(ctx, s.rankKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, storeError("list top sessions", err)
	}

	ids := make([]string, 0, len(ranked))
	seen := make(map[string]bool, len(ranked))
	for _, z := range ranked {
		id := fmt.Sprint(z.Member)
		ids = append(ids, id)
		seen[id] = true
	}

	if len(ranked) == n {
		cutoff := formatFloat(ranked[len(ranked)-1].Score)
		tied, err := s.client.ZRangeByScore(ctx, s.rankKey(), &redis.ZRangeBy{Min: cutoff, Max: cutoff}).Result()
		if err != nil {
			return nil, storeError("list tied sessions", err)
		}
		for _, id := range tied {
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeError("load top sessions", err)
	}

	sessions := make([]*model.SessionAggregate, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		agg, err := parseSession(fields)
		if err != nil {
			return nil, storeError("decode session", err)
		}
		sessions = append(sessions, agg)
	}

	SortByRank(sessions)
	if len(sessions) > n {
		sessions = sessions[:n]
	}
	return sessions, nil
}

// GlobalTotals implements SessionStore.GlobalTotals
func (s *RedisSessionStore) GlobalTotals(ctx context.Context) (model.Totals, error) {
	values, err := s.client.HMGet(ctx, s.totalsKey(), "sessions", "alerts", "confidence_sum").Result()
	if err != nil {
		return model.Totals{}, storeError("compute session totals", err)
	}

	var totals model.Totals
	var sum float64
	if totals.SessionCount, err = parseInt(values[0]); err != nil {
		return model.Totals{}, storeError("decode session totals", err)
	}
	if totals.AlertCount, err = parseInt(values[1]); err != nil {
		return model.Totals{}, storeError("decode session totals", err)
	}
	if values[2] != nil {
		if sum, err = strconv.ParseFloat(fmt.Sprint(values[2]), 64); err != nil {
			return model.Totals{}, storeError("decode session totals", err)
		}
	}
	if totals.SessionCount > 0 {
		totals.AverageMaxConfidence = sum / float64(totals.SessionCount)
	}
	return totals, nil
}

// Ping implements SessionStore.Ping
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeError("ping redis", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// keys share a hash tag so the scripts stay on one cluster slot
func (s *RedisSessionStore) sessionKey(id string) string {
	return "{" + s.prefix + "}:session:" + id
}

func (s *RedisSessionStore) rankKey() string {
	return "{" + s.prefix + "}:rank"
}

func (s *RedisSessionStore) totalsKey() string {
	return "{" + s.prefix + "}:totals"
}

func parseSession(fields map[string]string) (*model.SessionAggregate, error) {
	agg := &model.SessionAggregate{
		SessionID:       fields["session_id"],
		SourceAddress:   fields["source_address"],
		ClientSignature: fields["client_signature"],
	}

	start, err := strconv.ParseInt(fields["start_time"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid start_time: %w", err)
	}
	last, err := strconv.ParseInt(fields["last_seen"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_seen: %w", err)
	}
	if agg.TotalAlerts, err = strconv.ParseInt(fields["total_alerts"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid total_alerts: %w", err)
	}
	if agg.MaxConfidence, err = strconv.ParseFloat(fields["max_confidence"], 64); err != nil {
		return nil, fmt.Errorf("invalid max_confidence: %w", err)
	}

	agg.StartTime = fromNanos(start)
	agg.LastSeenTime = fromNanos(last)
	return agg, nil
}

func parseInt(v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected counter type")
	}
	return strconv.ParseInt(s, 10, 64)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
