// Package queue 实现了基于 Redis 的持久化任务队列：至少一次投递、指数退避重试、
// 有限的历史保留以及任务状态查询。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Queue 是一个具名的任务队列，所有状态保存在 Redis 中。
//
// 键布局（前缀 queue:{name}:）：
//
//	id          自增任务 ID
//	job:{id}    任务哈希
//	wait        等待列表（LPUSH 入队，RPOPLPUSH 出队）
//	active      正在处理的任务列表
//	delayed     延迟重试的有序集合，score 为可执行时间（毫秒）
//	completed   最近完成的任务 ID（新的在前）
//	failed      最近失败的任务 ID（新的在前）
type Queue struct {
	rdb  redis.Cmdable
	name string
	now  func() time.Time
}

// Option 配置 Queue。
type Option func(*Queue)

// WithClock 替换时间来源，测试中用于推进退避时间。
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New 创建一个新的 Queue 实例。
func New(rdb redis.Cmdable, name string, opts ...Option) *Queue {
	q := &Queue{rdb: rdb, name: name, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name 返回队列名称。
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(parts ...string) string {
	k := "queue:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

func (q *Queue) nowMs() int64 { return q.now().UnixMilli() }

// Add 将一个新任务放入等待列表。data 会被序列化为 JSON。
func (q *Queue) Add(ctx context.Context, name string, data interface{}, opts JobOptions) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}

	n, err := q.rdb.Incr(ctx, q.key("id")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate job id: %w", err)
	}

	job := &Job{
		ID:        fmt.Sprintf("%d", n),
		Name:      name,
		Data:      payload,
		Opts:      opts.normalized(),
		State:     StateWaiting,
		Timestamp: q.nowMs(),
	}
	fields, err := job.toHash()
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), fields)
		pipe.LPush(ctx, q.key("wait"), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

// GetJob 根据 ID 读取任务。任务不存在（或已被保留策略淘汰）时返回 nil, nil。
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return jobFromHash(id, h)
}

// Counts 返回各状态下的任务数量。
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return map[State]int64{
		StateWaiting:   wait.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// promoteScript 在一次原子操作中把到期的延迟任务移回等待列表，
// 进程在中途崩溃也不会让任务同时脱离 delayed 与 wait。
// 重试任务从出队端放入，优先于新任务处理。
//
// KEYS[1] delayed, KEYS[2] wait; ARGV[1] 当前毫秒, ARGV[2] 任务哈希键前缀, ARGV[3] 状态字段, ARGV[4] waiting
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[2] .. id, ARGV[3], ARGV[4])
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// promoteDelayed 把已到期的延迟任务移回等待列表。
func (q *Queue) promoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		q.nowMs(), q.key("job")+":", fieldState, string(StateWaiting),
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// take 从等待列表取出一个任务并放入 active 列表。没有任务时返回 nil, nil。
func (q *Queue) take(ctx context.Context) (*Job, error) {
	id, err := q.rdb.RPopLPush(ctx, q.key("wait"), q.key("active")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take job: %w", err)
	}

	now := q.nowMs()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateActive), fieldProcessedOn, now)
	pipe.HIncrBy(ctx, q.jobKey(id), fieldAttemptsMade, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", id, err)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Name == "" {
		// 任务哈希已被删除，丢弃悬空的 ID
		_ = q.rdb.LRem(ctx, q.key("active"), 1, id).Err()
		_ = q.rdb.Del(ctx, q.jobKey(id)).Err()
		return nil, nil
	}
	return job, nil
}

func (q *Queue) setProgress(ctx context.Context, id string, progress int) error {
	return q.rdb.HSet(ctx, q.jobKey(id), fieldProgress, progress).Err()
}

func (q *Queue) complete(ctx context.Context, job *Job, result json.RawMessage) error {
	now := q.nowMs()
	job.State = StateCompleted
	job.ReturnValue = result
	job.FinishedOn = now
	job.FailedReason = ""
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID),
			fieldState, string(StateCompleted),
			fieldReturnValue, string(result),
			fieldFinishedOn, now,
		)
		pipe.HDel(ctx, q.jobKey(job.ID), fieldFailedReason)
		pipe.LPush(ctx, q.key("completed"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return q.trim(ctx, "completed", job.Opts.RemoveOnComplete)
}

// retryOrFail 在仍有剩余尝试次数时把任务放入 delayed，否则标记为 failed。
// 返回任务的新状态。
func (q *Queue) retryOrFail(ctx context.Context, job *Job, cause error) (State, error) {
	now := q.nowMs()
	job.FailedReason = cause.Error()

	if job.AttemptsMade < job.Opts.Attempts {
		due := now + job.Opts.Backoff.next(job.AttemptsMade).Milliseconds()
		job.State = StateDelayed
		_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.key("active"), 1, job.ID)
			pipe.HSet(ctx, q.jobKey(job.ID),
				fieldState, string(StateDelayed),
				fieldFailedReason, job.FailedReason,
			)
			pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{Score: float64(due), Member: job.ID})
			return nil
		})
		if err != nil {
			return job.State, fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
		}
		return StateDelayed, nil
	}

	job.State = StateFailed
	job.FinishedOn = now
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID),
			fieldState, string(StateFailed),
			fieldFailedReason, job.FailedReason,
			fieldFinishedOn, now,
		)
		pipe.LPush(ctx, q.key("failed"), job.ID)
		return nil
	})
	if err != nil {
		return job.State, fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	return StateFailed, q.trim(ctx, "failed", job.Opts.RemoveOnFail)
}

// trim 只保留列表中最新的 keep 个任务，并删除被淘汰任务的哈希。
func (q *Queue) trim(ctx context.Context, list string, keep int) error {
	if keep <= 0 {
		return nil
	}
	listKey := q.key(list)
	evicted, err := q.rdb.LRange(ctx, listKey, int64(keep), -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s list: %w", list, err)
	}
	if len(evicted) == 0 {
		return nil
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range evicted {
			pipe.Del(ctx, q.jobKey(id))
		}
		pipe.LTrim(ctx, listKey, 0, int64(keep-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to trim %s list: %w", list, err)
	}
	return nil
}

// recoverStalled 把 active 列表中残留的任务（上一次进程崩溃时正在处理）移回等待列表。
func (q *Queue) recoverStalled(ctx context.Context) ([]string, error) {
	var ids []string
	for {
		id, err := q.rdb.RPopLPush(ctx, q.key("active"), q.key("wait")).Result()
		if errors.Is(err, redis.Nil) {
			return ids, nil
		}
		if err != nil {
			return ids, fmt.Errorf("failed to recover stalled jobs: %w", err)
		}
		if err := q.rdb.HSet(ctx, q.jobKey(id), fieldState, string(StateWaiting)).Err(); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
}
