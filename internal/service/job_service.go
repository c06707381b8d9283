package service

import (
	"context"
	"encoding/json"
	"fmt"

	"pdfchat-go/pkg/queue"
)

// JobReader 读取任务状态。
type JobReader interface {
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)
}

// JobStatus 是任务状态查询的返回结构。
type JobStatus struct {
	ID           string          `json:"id"`
	State        queue.State     `json:"state"`
	Progress     int             `json:"progress"`
	Data         json.RawMessage `json:"data"`
	ReturnValue  json.RawMessage `json:"returnvalue"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// JobService 提供任务状态查询。
type JobService interface {
	Status(ctx context.Context, id string) (*JobStatus, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)
}

type jobService struct {
	reader JobReader
}

// NewJobService 创建一个新的 JobService 实例。
func NewJobService(reader JobReader) JobService {
	return &jobService{reader: reader}
}

// Status 返回任务状态。任务不存在或已超出保留窗口时返回 ErrJobNotFound。
func (s *jobService) Status(ctx context.Context, id string) (*JobStatus, error) {
	job, err := s.reader.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	status := &JobStatus{
		ID:           job.ID,
		State:        job.State,
		Progress:     job.Progress,
		Data:         job.Data,
		ReturnValue:  job.ReturnValue,
		FailedReason: job.FailedReason,
	}
	if len(status.ReturnValue) == 0 {
		status.ReturnValue = json.RawMessage("null")
	}
	if len(status.Data) == 0 {
		status.Data = json.RawMessage("null")
	}
	return status, nil
}

// Counts 返回队列中各状态的任务数量。
func (s *jobService) Counts(ctx context.Context) (map[queue.State]int64, error) {
	return s.reader.Counts(ctx)
}
