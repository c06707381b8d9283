package queue

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// State 是任务在队列中的状态。
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal 报告该状态是否为终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// BackoffType 决定重试间隔的计算方式。
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff 描述失败后重新调度的延迟。
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// next 返回第 attemptsMade 次失败之后的等待时间。
func (b Backoff) next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type == BackoffFixed || attemptsMade < 1 {
		return b.Delay
	}
	return time.Duration(math.Pow(2, float64(attemptsMade-1)) * float64(b.Delay))
}

// JobOptions 是入队时指定的重试与保留策略。
type JobOptions struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
	// 保留最近 N 个已完成/已失败的任务，<= 0 表示全部保留。
	RemoveOnComplete int `json:"removeOnComplete"`
	RemoveOnFail     int `json:"removeOnFail"`
}

// DefaultJobOptions 返回默认策略：最多 3 次尝试，指数退避 2s，保留最近 10 个完成、5 个失败的任务。
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         3,
		Backoff:          Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
		RemoveOnComplete: 10,
		RemoveOnFail:     5,
	}
}

func (o JobOptions) normalized() JobOptions {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	return o
}

// Job 是队列中的一个工作单元。
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Opts         JobOptions      `json:"opts"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	Progress     int             `json:"progress"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	ProcessedOn  int64           `json:"processedOn,omitempty"`
	FinishedOn   int64           `json:"finishedOn,omitempty"`

	reporter func(ctx context.Context, progress int) error
}

// UpdateProgress 记录任务进度（0-100），并通知监听者。
func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	if j.reporter == nil {
		return nil
	}
	return j.reporter(ctx, progress)
}

const (
	fieldName         = "name"
	fieldData         = "data"
	fieldOpts         = "opts"
	fieldState        = "state"
	fieldAttemptsMade = "attemptsMade"
	fieldProgress     = "progress"
	fieldReturnValue  = "returnvalue"
	fieldFailedReason = "failedReason"
	fieldTimestamp    = "timestamp"
	fieldProcessedOn  = "processedOn"
	fieldFinishedOn   = "finishedOn"
)

func (j *Job) toHash() (map[string]interface{}, error) {
	opts, err := json.Marshal(j.Opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		fieldName:         j.Name,
		fieldData:         string(j.Data),
		fieldOpts:         string(opts),
		fieldState:        string(j.State),
		fieldAttemptsMade: j.AttemptsMade,
		fieldProgress:     j.Progress,
		fieldTimestamp:    j.Timestamp,
	}, nil
}

func jobFromHash(id string, h map[string]string) (*Job, error) {
	j := &Job{
		ID:           id,
		Name:         h[fieldName],
		State:        State(h[fieldState]),
		FailedReason: h[fieldFailedReason],
	}
	if v := h[fieldData]; v != "" {
		j.Data = json.RawMessage(v)
	}
	if v := h[fieldReturnValue]; v != "" {
		j.ReturnValue = json.RawMessage(v)
	}
	if v := h[fieldOpts]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Opts); err != nil {
			return nil, err
		}
	}
	j.AttemptsMade = atoi(h[fieldAttemptsMade])
	j.Progress = atoi(h[fieldProgress])
	j.Timestamp = atoi64(h[fieldTimestamp])
	j.ProcessedOn = atoi64(h[fieldProcessedOn])
	j.FinishedOn = atoi64(h[fieldFinishedOn])
	return j, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
