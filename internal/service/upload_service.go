package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"pdfchat-go/internal/config"
	"pdfchat-go/pkg/log"
	"pdfchat-go/pkg/queue"
	"pdfchat-go/pkg/storage"
	"pdfchat-go/pkg/tasks"
)

const pdfMimeType = "application/pdf"

// FileStore 保存上传的文件。
type FileStore interface {
	Save(originalName string, r io.Reader) (*storage.SavedFile, error)
}

// Enqueuer 把任务放入队列。
type Enqueuer interface {
	Add(ctx context.Context, name string, data interface{}, opts queue.JobOptions) (*queue.Job, error)
}

// UploadRequest 描述一个待接收的上传文件。
type UploadRequest struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadResult 是接收成功后返回给调用方的信息。
type UploadResult struct {
	File  string `json:"file"`
	JobID string `json:"jobId"`
	Size  int64  `json:"size"`
}

// UploadService 接收上传的 PDF 并加入入库队列。
type UploadService interface {
	Accept(ctx context.Context, req UploadRequest) (*UploadResult, error)
}

type uploadService struct {
	store       FileStore
	enqueuer    Enqueuer
	jobOpts     queue.JobOptions
	maxFileSize int64
	now         func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(store FileStore, enqueuer Enqueuer, queueCfg config.QueueConfig, storageCfg config.StorageConfig) UploadService {
	return &uploadService{
		store:       store,
		enqueuer:    enqueuer,
		jobOpts:     JobOptionsFromConfig(queueCfg),
		maxFileSize: storageCfg.MaxFileSize,
		now:         time.Now,
	}
}

// JobOptionsFromConfig 把队列配置转换为入队时的重试与保留策略。
func JobOptionsFromConfig(cfg config.QueueConfig) queue.JobOptions {
	opts := queue.DefaultJobOptions()
	if cfg.Attempts > 0 {
		opts.Attempts = cfg.Attempts
	}
	if cfg.BackoffType != "" {
		opts.Backoff.Type = queue.BackoffType(strings.ToLower(cfg.BackoffType))
	}
	if cfg.BackoffDelay > 0 {
		opts.Backoff.Delay = cfg.BackoffDelay
	}
	opts.RemoveOnComplete = cfg.RemoveOnComplete
	opts.RemoveOnFail = cfg.RemoveOnFail
	return opts
}

// Accept 校验并保存文件，然后入队 file-ready 任务。
func (s *uploadService) Accept(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Body == nil || req.Filename == "" {
		return nil, ErrNoFile
	}
	if req.ContentType != pdfMimeType {
		return nil, ErrNotPDF
	}
	if s.maxFileSize > 0 && req.Size > s.maxFileSize {
		return nil, ErrFileTooLarge
	}

	// 多读一个字节，用于发现 Size 与实际内容不符的超限文件
	body := req.Body
	if s.maxFileSize > 0 {
		body = io.LimitReader(req.Body, s.maxFileSize+1)
	}
	saved, err := s.store.Save(req.Filename, body)
	if err != nil {
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	if s.maxFileSize > 0 && saved.Size > s.maxFileSize {
		storage.Remove(saved.Path)
		return nil, ErrFileTooLarge
	}
	log.Infof("[UploadService] 文件已保存, 原始文件名: %s, 路径: %s, 大小: %d", req.Filename, saved.Path, saved.Size)

	payload := tasks.FileReadyPayload{
		Filename:    req.Filename,
		Destination: saved.Destination,
		Path:        saved.Path,
		Size:        saved.Size,
		UploadTime:  s.now().UTC(),
	}
	job, err := s.enqueuer.Add(ctx, tasks.FileReadyJobName, payload, s.jobOpts)
	if err != nil {
		storage.Remove(saved.Path)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Infof("[UploadService] 任务已入队, jobId: %s, 文件: %s", job.ID, req.Filename)

	return &UploadResult{File: req.Filename, JobID: job.ID, Size: saved.Size}, nil
}
