package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator owns per-user session state in Redis. It is safe for
// concurrent use from any number of workers; every mutation is a single-key
// atomic operation or an explicit WATCH/MULTI transaction.
type Coordinator struct {
	client *redis.Client
	cfg    Config
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewCoordinator connects to Redis and returns a session coordinator.
func NewCoordinator(rc RedisConfig, cfg Config) (*Coordinator, error) {
	if rc.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := rc.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Coordinator{client: client, cfg: cfg.withDefaults()}, nil
}

// NewCoordinatorFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewCoordinatorFromClient(client *redis.Client, cfg Config) *Coordinator {
	return &Coordinator{client: client, cfg: cfg.withDefaults()}
}

// Close releases the underlying Redis connection pool.
func (c *Coordinator) Close() error {
	return c.client.Close()
}

// IdleThreshold reports the configured inactivity threshold.
func (c *Coordinator) IdleThreshold() time.Duration {
	return c.cfg.IdleThreshold
}

// Key helpers
func (c *Coordinator) historyKey(user string) string {
	return c.cfg.Prefix + "session:" + user + ":history"
}

func (c *Coordinator) statusKey(user string) string {
	return c.cfg.Prefix + "session:" + user + ":status"
}

func (c *Coordinator) activityKey(user string) string {
	return c.cfg.Prefix + "session:" + user + ":activity"
}

func (c *Coordinator) activeMarkerKey(user string) string {
	return c.cfg.Prefix + "session:" + user + ":active"
}

func (c *Coordinator) cursorKey(user string) string {
	return c.cfg.Prefix + "session:" + user + ":summary:cursor"
}

func (c *Coordinator) summaryKey(user string) string {
	return c.cfg.Prefix + "session:" + user + ":summary:text"
}

// AppendRound appends a turn to the user's history and refreshes the idle
// clock. A finalized session is revived back to active. The append and the
// activity refresh are independent single-key writes; if the refresh fails
// the session merely looks idle earlier than it should, which IsIdle
// tolerates.
func (c *Coordinator) AppendRound(ctx context.Context, user string, round Round) error {
	if err := c.push(ctx, user, round); err != nil {
		return err
	}

	if err := c.refreshActivity(ctx, user); err != nil {
		return fmt.Errorf("refresh activity: %w", err)
	}

	// A new turn on a finalized session starts a fresh lifecycle.
	status, err := c.SessionStatus(ctx, user)
	if err == nil && status == StatusFinalized {
		_ = c.client.Set(ctx, c.statusKey(user), string(StatusActive), 0).Err()
	}
	return nil
}

// AppendQuietRound appends a turn without touching the idle clock. Used for
// proactively pushed messages, which must not keep a session alive.
func (c *Coordinator) AppendQuietRound(ctx context.Context, user string, round Round) error {
	return c.push(ctx, user, round)
}

func (c *Coordinator) push(ctx context.Context, user string, round Round) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	if err := c.client.RPush(ctx, c.historyKey(user), data).Err(); err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	return nil
}

func (c *Coordinator) refreshActivity(ctx context.Context, user string) error {
	now := time.Now().Unix()
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.activeMarkerKey(user), "1", c.cfg.IdleThreshold)
	// The activity timestamp never expires so the scheduler can scan it.
	pipe.Set(ctx, c.activityKey(user), strconv.FormatInt(now, 10), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// History returns the full turn history for a user, oldest first.
func (c *Coordinator) History(ctx context.Context, user string) ([]Round, error) {
	items, err := c.client.LRange(ctx, c.historyKey(user), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return decodeRounds(items)
}

// HistoryLen returns the number of rounds in the user's history.
func (c *Coordinator) HistoryLen(ctx context.Context, user string) (int64, error) {
	n, err := c.client.LLen(ctx, c.historyKey(user)).Result()
	if err != nil {
		return 0, fmt.Errorf("history length: %w", err)
	}
	return n, nil
}

// UnsummarizedTail returns up to k of the most recent rounds that have not
// been folded into the summary yet.
func (c *Coordinator) UnsummarizedTail(ctx context.Context, user string, k int) ([]Round, error) {
	cursor, err := c.summaryCursor(ctx, user)
	if err != nil {
		return nil, err
	}
	items, err := c.client.LRange(ctx, c.historyKey(user), cursor, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load tail: %w", err)
	}
	if k > 0 && len(items) > k {
		items = items[len(items)-k:]
	}
	return decodeRounds(items)
}

// IsIdle reports whether the user's session has been inactive longer than
// the threshold. A user with no recorded activity counts as idle.
func (c *Coordinator) IsIdle(ctx context.Context, user string, threshold time.Duration) (bool, error) {
	val, err := c.client.Get(ctx, c.activityKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read activity: %w", err)
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Unparseable marker degrades to idle rather than wedging the session.
		return true, nil
	}
	return time.Since(time.Unix(ts, 0)) > threshold, nil
}

// IdleUsers scans all activity markers and returns users whose sessions have
// been inactive longer than the threshold. The active marker is
// double-checked so a user who just spoke is never reported.
func (c *Coordinator) IdleUsers(ctx context.Context, threshold time.Duration) ([]string, error) {
	var users []string
	now := time.Now()

	match := c.cfg.Prefix + "session:*:activity"
	iter := c.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		user := userFromActivityKey(key, c.cfg.Prefix)
		if user == "" {
			continue
		}

		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.Unix(ts, 0)) <= threshold {
			continue
		}

		// The TTL'd marker is authoritative for liveness.
		exists, err := c.client.Exists(ctx, c.activeMarkerKey(user)).Result()
		if err == nil && exists == 0 {
			users = append(users, user)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan activity keys: %w", err)
	}
	return users, nil
}

// SessionStatus returns the stored lifecycle status. A session with no
// stored status reports StatusActive.
func (c *Coordinator) SessionStatus(ctx context.Context, user string) (Status, error) {
	val, err := c.client.Get(ctx, c.statusKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusActive, nil
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return Status(val), nil
}

// TryTransition atomically moves the session status from expect to next.
// It returns false with no error when another worker won the race; exactly
// one of N concurrent callers with the same expectation succeeds.
func (c *Coordinator) TryTransition(ctx context.Context, user string, expect, next Status) (bool, error) {
	key := c.statusKey(user)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		// A missing status means the session never left ACTIVE.
		if errors.Is(err, redis.Nil) {
			cur = string(StatusActive)
		}
		if cur != string(expect) {
			return errCASMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(next), 0)
			return nil
		})
		return err
	}

	err := c.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errCASMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("transition %s -> %s: %w", expect, next, err)
	}
}

// Cleanup deletes every session-scoped key for the user: history, status,
// summary state and activity markers. It must run as the last step of the
// finalize workflow, after all of them have been consumed.
func (c *Coordinator) Cleanup(ctx context.Context, user string) error {
	match := c.cfg.Prefix + "session:" + user + ":*"
	var keys []string
	iter := c.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan session keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session keys: %w", err)
	}
	return nil
}

// errCASMismatch aborts an optimistic transaction whose precondition no
// longer holds. It never escapes the coordinator.
var errCASMismatch = errors.New("compare-and-set precondition failed")

func (c *Coordinator) summaryCursor(ctx context.Context, user string) (int64, error) {
	val, err := c.client.Get(ctx, c.cursorKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read summary cursor: %w", err)
	}
	cursor, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse summary cursor: %w", err)
	}
	return cursor, nil
}

func decodeRounds(items []string) ([]Round, error) {
	rounds := make([]Round, 0, len(items))
	for _, item := range items {
		var r Round
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("unmarshal round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, nil
}

func userFromActivityKey(key, prefix string) string {
	rest, ok := strings.CutPrefix(key, prefix+"session:")
	if !ok {
		return ""
	}
	user, ok := strings.CutSuffix(rest, ":activity")
	if !ok {
		return ""
	}
	return user
}
