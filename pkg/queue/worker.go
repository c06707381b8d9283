package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pdfchat-go/pkg/log"
)

// Processor 处理单个任务。返回值会被序列化为 JSON 存入任务的 returnvalue。
type Processor interface {
	Process(ctx context.Context, job *Job) (interface{}, error)
}

// ProcessorFunc 使普通函数满足 Processor 接口。
type ProcessorFunc func(ctx context.Context, job *Job) (interface{}, error)

// Process 调用 f(ctx, job)。
func (f ProcessorFunc) Process(ctx context.Context, job *Job) (interface{}, error) {
	return f(ctx, job)
}

// WorkerOptions 配置 Worker。
type WorkerOptions struct {
	// 同时处理的任务数，入库 worker 固定为 1。
	Concurrency int
	// 没有可处理任务时的轮询间隔。
	PollInterval time.Duration
}

// Worker 从队列中消费任务。
type Worker struct {
	q         *Queue
	processor Processor
	opts      WorkerOptions

	mu        sync.RWMutex
	listeners []Listener
}

// NewWorker 创建一个新的 Worker 实例。
func NewWorker(q *Queue, processor Processor, opts WorkerOptions) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Worker{q: q, processor: processor, opts: opts}
}

// On 注册一个事件监听者。
func (w *Worker) On(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

func (w *Worker) emit(ctx context.Context, e Event) {
	e.Queue = w.q.name
	if e.Time.IsZero() {
		e.Time = w.q.now()
	}
	if e.Job != nil && e.JobID == "" {
		e.JobID = e.Job.ID
	}

	w.mu.RLock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[Worker] 事件监听者 panic, event: %s, jobId: %s, panic: %v", e.Type, e.JobID, r)
				}
			}()
			l.OnEvent(ctx, e)
		}()
	}
}

// RecoverStalled 将上次运行遗留在 active 列表中的任务移回等待列表，并发布 stalled 事件。
// 只应在没有其他 worker 运行时调用。
func (w *Worker) RecoverStalled(ctx context.Context) (int, error) {
	ids, err := w.q.recoverStalled(ctx)
	for _, id := range ids {
		w.emit(ctx, Event{Type: EventStalled, JobID: id})
	}
	return len(ids), err
}

// Run 持续处理任务直到 ctx 被取消。启动时先恢复停滞的任务。
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.RecoverStalled(ctx); err != nil {
		log.Errorf("[Worker] 恢复停滞任务失败: %v", err)
	} else if n > 0 {
		log.Warnf("[Worker] 已恢复 %d 个停滞任务", n)
	}

	log.Infof("[Worker] 已启动，正在监听队列 '%s'，并发数: %d", w.q.name, w.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	log.Infof("[Worker] 队列 '%s' 的 worker 已停止", w.q.name)
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// 已取出的任务不随 ctx 取消而中断：停机时等待当前任务完成或失败。
		processed, err := w.ProcessNext(context.WithoutCancel(ctx))
		if err != nil && ctx.Err() == nil {
			log.Errorf("[Worker] 处理任务时发生队列错误: %v", err)
		}
		if processed && err == nil {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.opts.PollInterval)
	}
}

// ProcessNext 提升到期的延迟任务，然后取出并处理一个等待中的任务。
// 没有可处理的任务时返回 false。处理器的错误不会作为返回值，它们驱动重试流程。
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if _, err := w.q.promoteDelayed(ctx); err != nil {
		return false, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	job, err := w.q.take(ctx)
	if err != nil || job == nil {
		return false, err
	}

	job.reporter = func(rctx context.Context, progress int) error {
		if err := w.q.setProgress(rctx, job.ID, progress); err != nil {
			return err
		}
		w.emit(rctx, Event{Type: EventProgress, Job: job, Progress: progress})
		return nil
	}
	w.emit(ctx, Event{Type: EventActive, Job: job})

	result, procErr := w.run(ctx, job)
	if ctx.Err() != nil {
		// 任务保留在 active 列表中，下次启动时作为停滞任务恢复
		log.Warnf("[Worker] 任务 %s 因上下文取消而中断", job.ID)
		return true, ctx.Err()
	}
	if procErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			procErr = fmt.Errorf("failed to marshal job result: %w", err)
		} else {
			if err := w.q.complete(ctx, job, raw); err != nil {
				return true, err
			}
			w.emit(ctx, Event{Type: EventCompleted, Job: job, Result: raw})
			return true, nil
		}
	}

	state, err := w.q.retryOrFail(ctx, job, procErr)
	if err != nil {
		return true, err
	}
	if state == StateFailed {
		w.emit(ctx, Event{Type: EventFailed, Job: job, Err: procErr})
	} else {
		w.emit(ctx, Event{Type: EventRetrying, Job: job, Err: procErr})
	}
	return true, nil
}

// run 调用处理器并把 panic 转换为错误。
func (w *Worker) run(ctx context.Context, job *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor.Process(ctx, job)
}
