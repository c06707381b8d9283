package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &testClock{t: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	return New(rdb, "test-queue", WithClock(clock.Now)), clock
}

type payload struct {
	Filename string `json:"filename"`
}

func TestQueue_AddAndGetJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "file-ready", payload{Filename: "a.pdf"}, DefaultJobOptions())
	require.NoError(t, err)
	assert.Equal(t, "1", job.ID)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateWaiting, got.State)
	assert.Equal(t, "file-ready", got.Name)
	assert.JSONEq(t, `{"filename":"a.pdf"}`, string(got.Data))
	assert.Equal(t, 3, got.Opts.Attempts)
	assert.Equal(t, BackoffExponential, got.Opts.Backoff.Type)
	assert.Equal(t, 2*time.Second, got.Opts.Backoff.Delay)
	assert.Equal(t, 0, got.AttemptsMade)

	second, err := q.Add(ctx, "file-ready", payload{Filename: "b.pdf"}, DefaultJobOptions())
	require.NoError(t, err)
	assert.Equal(t, "2", second.ID)
}

func TestQueue_GetJobUnknown(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.GetJob(context.Background(), "404")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWorker_CompletesJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "file-ready", payload{Filename: "a.pdf"}, DefaultJobOptions())
	require.NoError(t, err)

	rec := &recorder{}
	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		var p payload
		require.NoError(t, json.Unmarshal(j.Data, &p))
		require.NoError(t, j.UpdateProgress(ctx, 50))
		return map[string]interface{}{"filename": p.Filename, "chunks": 4}, nil
	}), WorkerOptions{Concurrency: 1})
	w.On(rec)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, 50, got.Progress)
	assert.JSONEq(t, `{"filename":"a.pdf","chunks":4}`, string(got.ReturnValue))
	assert.Empty(t, got.FailedReason)
	assert.NotZero(t, got.FinishedOn)

	assert.Equal(t, []EventType{EventActive, EventProgress, EventCompleted}, rec.types())

	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "queue should be empty")
}

func TestWorker_RetriesThenCompletes(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "file-ready", payload{Filename: "flaky.pdf"}, DefaultJobOptions())
	require.NoError(t, err)

	calls := 0
	rec := &recorder{}
	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("extraction failed on attempt %d", calls)
		}
		return "ok", nil
	}), WorkerOptions{})
	w.On(rec)

	// 第 1 次尝试失败，进入 delayed
	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)
	assert.Equal(t, "extraction failed on attempt 1", got.FailedReason)

	// 退避时间未到，不会被处理
	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	// 第一次退避 2s
	clock.Advance(2 * time.Second)
	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	// 第二次退避 4s，2s 后仍未到期
	clock.Advance(2 * time.Second)
	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	clock.Advance(2 * time.Second)
	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Empty(t, got.FailedReason)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []EventType{
		EventActive, EventRetrying,
		EventActive, EventRetrying,
		EventActive, EventCompleted,
	}, rec.types())
}

func TestWorker_ExhaustsAttempts(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "file-ready", payload{Filename: "broken.pdf"}, DefaultJobOptions())
	require.NoError(t, err)

	calls := 0
	rec := &recorder{}
	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		calls++
		return nil, errors.New("Failed to extract content from PDF")
	}), WorkerOptions{})
	w.On(rec)

	for i := 0; i < 10; i++ {
		_, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, "Failed to extract content from PDF", got.FailedReason)
	assert.Equal(t, 3, calls)

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventFailed, types[len(types)-1])

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateFailed])
	assert.Equal(t, int64(0), counts[StateDelayed])
	assert.Equal(t, int64(0), counts[StateActive])
}

func TestWorker_PanicIsFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Attempts = 1
	job, err := q.Add(ctx, "file-ready", payload{}, opts)
	require.NoError(t, err)

	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		panic("boom")
	}), WorkerOptions{})

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.FailedReason, "boom")
}

func TestWorker_RetentionEvictsOldJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.RemoveOnComplete = 2
	var ids []string
	for i := 0; i < 4; i++ {
		job, err := q.Add(ctx, "file-ready", payload{Filename: fmt.Sprintf("%d.pdf", i)}, opts)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		return nil, nil
	}), WorkerOptions{})
	for range ids {
		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	for i, id := range ids {
		got, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		if i < 2 {
			assert.Nil(t, got, "job %s should have been evicted", id)
		} else {
			require.NotNil(t, got)
			assert.Equal(t, StateCompleted, got.State)
		}
	}
}

func TestWorker_FailedRetention(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Attempts = 1
	opts.RemoveOnFail = 1
	first, err := q.Add(ctx, "file-ready", payload{}, opts)
	require.NoError(t, err)
	second, err := q.Add(ctx, "file-ready", payload{}, opts)
	require.NoError(t, err)

	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		return nil, errors.New("nope")
	}), WorkerOptions{})
	for i := 0; i < 2; i++ {
		_, err := w.ProcessNext(ctx)
		require.NoError(t, err)
	}

	got, err := q.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.GetJob(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateFailed, got.State)
}

func TestWorker_RecoverStalled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "file-ready", payload{Filename: "crash.pdf"}, DefaultJobOptions())
	require.NoError(t, err)

	// 模拟进程在处理过程中崩溃：任务停留在 active 列表
	taken, err := q.take(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)

	rec := &recorder{}
	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		return "done", nil
	}), WorkerOptions{})
	w.On(rec)

	n, err := w.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, []EventType{EventStalled, EventActive, EventCompleted}, rec.types())
}

func TestWorker_ListenerPanicDoesNotBreakProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "file-ready", payload{}, DefaultJobOptions())
	require.NoError(t, err)

	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		return nil, nil
	}), WorkerOptions{})
	w.On(ListenerFunc(func(ctx context.Context, e Event) { panic("listener") }))

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Add(ctx, "file-ready", payload{}, DefaultJobOptions())
	require.NoError(t, err)

	done := make(chan struct{})
	w := NewWorker(q, ProcessorFunc(func(ctx context.Context, j *Job) (interface{}, error) {
		close(done)
		return "ok", nil
	}), WorkerOptions{PollInterval: 10 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	assert.Eventually(t, func() bool {
		got, err := q.GetJob(context.Background(), job.ID)
		return err == nil && got != nil && got.State == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestBackoff_Next(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.next(1))
	assert.Equal(t, 4*time.Second, exp.next(2))
	assert.Equal(t, 8*time.Second, exp.next(3))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.next(3))

	assert.Equal(t, time.Duration(0), Backoff{}.next(2))
}

func TestQueue_PromoteDelayedMovesOnlyDueJobs(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	due, err := q.Add(ctx, "file-ready", payload{Filename: "due.pdf"}, DefaultJobOptions())
	require.NoError(t, err)
	later, err := q.Add(ctx, "file-ready", payload{Filename: "later.pdf"}, DefaultJobOptions())
	require.NoError(t, err)

	// 模拟两个等待重试的任务
	require.NoError(t, q.rdb.Del(ctx, q.key("wait")).Err())
	now := clock.Now().UnixMilli()
	require.NoError(t, q.rdb.ZAdd(ctx, q.key("delayed"),
		&redis.Z{Score: float64(now), Member: due.ID},
		&redis.Z{Score: float64(now + 5000), Member: later.ID},
	).Err())
	require.NoError(t, q.rdb.HSet(ctx, q.jobKey(due.ID), fieldState, string(StateDelayed)).Err())
	require.NoError(t, q.rdb.HSet(ctx, q.jobKey(later.ID), fieldState, string(StateDelayed)).Err())

	n, err := q.promoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wait, err := q.rdb.LRange(ctx, q.key("wait"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID}, wait)
	delayed, err := q.rdb.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{later.ID}, delayed)

	got, err := q.GetJob(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, got.State)
	got, err = q.GetJob(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)

	n, err = q.promoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
