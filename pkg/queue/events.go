package queue

import (
	"context"
	"encoding/json"
	"time"

	"pdfchat-go/pkg/log"
)

// EventType 是任务状态变化事件的类型。
type EventType string

const (
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event 在任务状态发生变化时发布。Job 是发布时刻的快照。
type Event struct {
	Type     EventType
	Queue    string
	JobID    string
	Job      *Job
	Progress int
	Result   json.RawMessage
	Err      error
	Time     time.Time
}

// Listener 接收任务事件。实现不应阻塞太久，它们在 worker 的处理协程中被同步调用。
type Listener interface {
	OnEvent(ctx context.Context, e Event)
}

// ListenerFunc 使普通函数满足 Listener 接口。
type ListenerFunc func(ctx context.Context, e Event)

// OnEvent 调用 f(ctx, e)。
func (f ListenerFunc) OnEvent(ctx context.Context, e Event) { f(ctx, e) }

// LogListener 将每个事件写入日志。
type LogListener struct{}

// OnEvent 满足 Listener 接口。
func (LogListener) OnEvent(_ context.Context, e Event) {
	switch e.Type {
	case EventActive:
		log.Infow("[Queue] 任务开始处理", "queue", e.Queue, "jobId", e.JobID, "attempt", attemptsOf(e.Job))
	case EventProgress:
		log.Infow("[Queue] 任务进度", "queue", e.Queue, "jobId", e.JobID, "progress", e.Progress)
	case EventCompleted:
		log.Infow("[Queue] 任务处理成功", "queue", e.Queue, "jobId", e.JobID, "result", string(e.Result))
	case EventRetrying:
		log.Warnw("[Queue] 任务失败，等待重试", "queue", e.Queue, "jobId", e.JobID, "attempt", attemptsOf(e.Job), "error", e.Err)
	case EventFailed:
		data := ""
		if e.Job != nil {
			data = string(e.Job.Data)
		}
		log.Errorw("[Queue] 任务最终失败", "queue", e.Queue, "jobId", e.JobID, "error", e.Err, "data", data)
	case EventStalled:
		log.Warnw("[Queue] 任务停滞，已重新入队", "queue", e.Queue, "jobId", e.JobID)
	}
}

func attemptsOf(j *Job) int {
	if j == nil {
		return 0
	}
	return j.AttemptsMade
}
