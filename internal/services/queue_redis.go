package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/config"
	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
)

const (
	redisPopTimeout  = time.Second
	redisPromoteSize = 100
)

// pushReady adds an id to the ready list unless it is already waiting there.
// KEYS[1] ready list, KEYS[2] queued set, ARGV[1] id. Returns 1 when pushed.
var pushReady = goredis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// promoteDue moves every delayed id whose due time has passed onto the
// ready list, skipping ids already waiting there. KEYS[1] delayed zset,
// KEYS[2] ready list, KEYS[3] queued set, ARGV[1] now (ms), ARGV[2] batch
// size.
var promoteDue = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	if redis.call('SADD', KEYS[3], id) == 1 then
		redis.call('LPUSH', KEYS[2], id)
	end
end
return #due
`)

// redisQueue keeps ready ids in a list and delayed ids in a sorted set
// scored by due time, so several API processes can share one queue. The
// queued set mirrors the ready list so an id waits there at most once.
type redisQueue struct {
	rdb        goredis.UniversalClient
	readyKey   string
	queuedKey  string
	delayedKey string
	owned      bool
	logger     *zap.Logger
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (JobQueue, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("redis address is required for the redis queue")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.RedisPass,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
		// BRPOP blocks for redisPopTimeout; leave headroom.
		ReadTimeout: redisPopTimeout + 3*time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	q := newRedisQueue(rdb, cfg.KeyPrefix, log)
	q.owned = true
	return q, nil
}

func newRedisQueue(rdb goredis.UniversalClient, prefix string, log *zap.Logger) *redisQueue {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "cv_eval:jobs"
	}
	return &redisQueue{
		rdb:        rdb,
		readyKey:   prefix + ":ready",
		queuedKey:  prefix + ":queued",
		delayedKey: prefix + ":delayed",
		logger:     logger.Component(log, "redis_queue"),
	}
}

// Enqueue implements JobQueue. An id already on the ready list is not pushed
// again; a delayed id keeps a single entry with the latest due time.
func (q *redisQueue) Enqueue(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	if delay <= 0 {
		pushed, err := pushReady.Run(ctx, q.rdb, []string{q.readyKey, q.queuedKey}, id.String()).Int()
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		if pushed == 0 {
			q.logger.Debug("job already queued", zap.String("evaluation_id", id.String()))
		}
		return nil
	}

	due := time.Now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.delayedKey, goredis.Z{Score: float64(due), Member: id.String()}).Err(); err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

// Dequeue implements JobQueue. Delayed ids are promoted before every pop.
func (q *redisQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := promoteDue.Run(ctx, q.rdb, []string{q.delayedKey, q.readyKey, q.queuedKey}, now, redisPromoteSize).Err(); err != nil {
			if errors.Is(err, goredis.ErrClosed) {
				return uuid.Nil, ErrQueueClosed
			}
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			q.logger.Warn("failed to promote delayed jobs", zap.Error(err))
		}

		res, err := q.rdb.BRPop(ctx, redisPopTimeout, q.readyKey).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case errors.Is(err, goredis.ErrClosed):
			return uuid.Nil, ErrQueueClosed
		case err != nil:
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			return uuid.Nil, fmt.Errorf("failed to dequeue job: %w", err)
		}

		// BRPOP returns [key, value].
		if err := q.rdb.SRem(ctx, q.queuedKey, res[1]).Err(); err != nil {
			q.logger.Warn("failed to release queued marker", zap.String("value", res[1]), zap.Error(err))
		}
		id, err := uuid.Parse(res[1])
		if err != nil {
			q.logger.Warn("dropping malformed job id", zap.String("value", res[1]))
			continue
		}
		return id, nil
	}
}

// Close implements JobQueue.
func (q *redisQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.rdb.Close()
}
