package pipeline

import "errors"

// 入库流程中的错误。它们都会交给队列的重试机制处理。
var (
	ErrInvalidPayload              = errors.New("invalid job payload")
	ErrFileMissing                 = errors.New("file not found")
	ErrExtractionFailed            = errors.New("no pages could be extracted from the PDF")
	ErrNoValidChunks               = errors.New("no valid chunks after filtering")
	ErrEmbeddingServiceUnavailable = errors.New("embedding service unavailable")
)
