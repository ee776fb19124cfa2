package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "pipelit"
	DefaultTTL    = time.Hour

	childWaitIndex  = "child_waits"
	memberSep       = "|"
	maxStateRetries = 10
)

// extendTTL raises the lifetime of KEYS[1] to ARGV[1] milliseconds. Longer
// lifetimes set by Retain are left alone.
const extendTTL = `
local ttl = tonumber(ARGV[1])
if redis.call('PTTL', KEYS[1]) < ttl then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
`

var (
	setScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local remaining = redis.call('PTTL', KEYS[1])
redis.call('SET', KEYS[1], ARGV[2])
if remaining > ttl then
	ttl = remaining
end
redis.call('PEXPIRE', KEYS[1], ttl)
return 1
`)

	hincrScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
` + extendTTL + `
return count
`)

	incrScript = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[2])
` + extendTTL + `
return count
`)

	saddScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[2])
` + extendTTL + `
return 1
`)

	// KEYS[2] is the deadline index, which never expires.
	childWaitScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
` + extendTTL + `
return 1
`)

	retainScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
for _, key in ipairs(KEYS) do
	if redis.call('PTTL', key) < ttl then
		redis.call('PEXPIRE', key, ttl)
	end
end
return 1
`)
)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix namespaces every key under prefix.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL sets the lifetime of per-execution keys.
func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, logger *slog.Logger, opts ...Option) *RedisStore {
	store := &RedisStore{
		client: client,
		logger: logger.With("module", "statestore"),
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *RedisStore) key(executionID, suffix string) string {
	return s.prefix + ":exec:" + executionID + ":" + suffix
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":" + childWaitIndex
}

// keepLonger returns the store TTL, or remaining when the key already lives longer.
func (s *RedisStore) keepLonger(remaining time.Duration) time.Duration {
	if remaining > s.ttl {
		return remaining
	}

	return s.ttl
}

func (s *RedisStore) SaveState(ctx context.Context, state *models.ExecutionState) error {
	return s.setJSON(ctx, s.key(state.ExecutionID, "state"), state)
}

func (s *RedisStore) LoadState(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	var state models.ExecutionState

	err := s.getJSON(ctx, s.key(executionID, "state"), &state)
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (s *RedisStore) UpdateState(ctx context.Context, executionID string, mutate StateMutation) (*models.ExecutionState, error) {
	key := s.key(executionID, "state")

	var updated *models.ExecutionState

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}

		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}

		var state models.ExecutionState

		err = json.Unmarshal(raw, &state)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}

		remaining, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read ttl of %s: %w", key, err)
		}

		err = mutate(&state)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.keepLonger(remaining))

			return nil
		})
		if err != nil {
			return err
		}

		updated = &state

		return nil
	}

	for range maxStateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		if err != nil {
			return nil, err
		}

		return updated, nil
	}

	return nil, fmt.Errorf("update state of %s: %w", executionID, ErrStateContention)
}

func (s *RedisStore) SaveTopology(ctx context.Context, executionID string, topology *models.WorkflowTopology) error {
	return s.setJSON(ctx, s.key(executionID, "topology"), topology)
}

func (s *RedisStore) LoadTopology(ctx context.Context, executionID string) (*models.WorkflowTopology, error) {
	var topology models.WorkflowTopology

	err := s.getJSON(ctx, s.key(executionID, "topology"), &topology)
	if err != nil {
		return nil, err
	}

	return &topology, nil
}

func (s *RedisStore) IncrementFanIn(ctx context.Context, executionID, target string) (int64, error) {
	count, err := hincrScript.Run(ctx, s.client,
		[]string{s.key(executionID, "fanin")},
		s.ttl.Milliseconds(), target,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment fan-in %s/%s: %w", executionID, target, err)
	}

	return count, nil
}

func (s *RedisStore) FanInCounts(ctx context.Context, executionID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.key(executionID, "fanin")).Result()
	if err != nil {
		return nil, fmt.Errorf("read fan-in counts: %w", err)
	}

	counts := make(map[string]int64, len(raw))

	for target, value := range raw {
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode fan-in count of %s: %w", target, err)
		}

		counts[target] = count
	}

	return counts, nil
}

func (s *RedisStore) MarkCompleted(ctx context.Context, executionID, nodeID string) error {
	err := saddScript.Run(ctx, s.client,
		[]string{s.key(executionID, "completed")},
		s.ttl.Milliseconds(), nodeID,
	).Err()
	if err != nil {
		return fmt.Errorf("mark node %s completed: %w", nodeID, err)
	}

	return nil
}

func (s *RedisStore) CompletedNodes(ctx context.Context, executionID string) ([]string, error) {
	nodes, err := s.client.SMembers(ctx, s.key(executionID, "completed")).Result()
	if err != nil {
		return nil, fmt.Errorf("read completed nodes: %w", err)
	}

	return nodes, nil
}

func (s *RedisStore) AddInFlight(ctx context.Context, executionID string, delta int64) (int64, error) {
	count, err := incrScript.Run(ctx, s.client,
		[]string{s.key(executionID, "inflight")},
		s.ttl.Milliseconds(), delta,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("adjust in-flight counter: %w", err)
	}

	return count, nil
}

func (s *RedisStore) SetChildWait(ctx context.Context, wait ChildWait) error {
	payload, err := json.Marshal(wait)
	if err != nil {
		return err
	}

	err = childWaitScript.Run(ctx, s.client,
		[]string{s.key(wait.ExecutionID, "child_wait"), s.indexKey()},
		s.ttl.Milliseconds(), wait.NodeID, payload, wait.Deadline.Unix(), wait.ExecutionID+memberSep+wait.NodeID,
	).Err()
	if err != nil {
		return fmt.Errorf("record child wait for %s/%s: %w", wait.ExecutionID, wait.NodeID, err)
	}

	return nil
}

func (s *RedisStore) GetChildWait(ctx context.Context, executionID, nodeID string) (*ChildWait, error) {
	raw, err := s.client.HGet(ctx, s.key(executionID, "child_wait"), nodeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("read child wait: %w", err)
	}

	var wait ChildWait

	err = json.Unmarshal(raw, &wait)
	if err != nil {
		return nil, fmt.Errorf("decode child wait: %w", err)
	}

	return &wait, nil
}

func (s *RedisStore) DeleteChildWait(ctx context.Context, executionID, nodeID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.key(executionID, "child_wait"), nodeID)
		pipe.ZRem(ctx, s.indexKey(), executionID+memberSep+nodeID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("delete child wait for %s/%s: %w", executionID, nodeID, err)
	}

	return nil
}

func (s *RedisStore) ExpiredChildWaits(ctx context.Context, now time.Time, limit int64) ([]ChildWait, error) {
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan child wait deadlines: %w", err)
	}

	waits := make([]ChildWait, 0, len(members))

	for _, member := range members {
		executionID, nodeID, ok := strings.Cut(member, memberSep)
		if !ok {
			s.client.ZRem(ctx, s.indexKey(), member)

			continue
		}

		wait, err := s.GetChildWait(ctx, executionID, nodeID)
		if errors.Is(err, ErrNotFound) {
			s.logger.DebugContext(ctx, "dropping child wait whose record expired",
				"execution_id", executionID, "node_id", nodeID)
			s.client.ZRem(ctx, s.indexKey(), member)

			continue
		}

		if err != nil {
			return nil, err
		}

		waits = append(waits, *wait)
	}

	return waits, nil
}

func (s *RedisStore) Retain(ctx context.Context, executionID string, ttl time.Duration) error {
	if ttl < s.ttl {
		ttl = s.ttl
	}

	err := retainScript.Run(ctx, s.client, s.executionKeys(executionID), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("retain execution %s: %w", executionID, err)
	}

	return nil
}

func (s *RedisStore) executionKeys(executionID string) []string {
	return []string{
		s.key(executionID, "state"),
		s.key(executionID, "topology"),
		s.key(executionID, "fanin"),
		s.key(executionID, "completed"),
		s.key(executionID, "inflight"),
		s.key(executionID, "child_wait"),
	}
}

func (s *RedisStore) Cleanup(ctx context.Context, executionID string) error {
	nodeIDs, err := s.client.HKeys(ctx, s.key(executionID, "child_wait")).Result()
	if err != nil {
		return fmt.Errorf("list child waits: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.executionKeys(executionID)...)

		for _, nodeID := range nodeIDs {
			pipe.ZRem(ctx, s.indexKey(), executionID+memberSep+nodeID)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("cleanup execution %s: %w", executionID, err)
	}

	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) setJSON(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	err = setScript.Run(ctx, s.client, []string{key}, s.ttl.Milliseconds(), payload).Err()
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, value any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	err = json.Unmarshal(raw, value)
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}

	return nil
}
