// Package service 包含了应用的业务逻辑层。
package service

import "errors"

var (
	// ErrCollectionNotFound 表示还没有任何文档被入库。
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrGenerationFailed 包装问答过程中 embedding、检索或生成服务的失败。
	ErrGenerationFailed = errors.New("failed to generate answer")
	ErrEmptyQuery       = errors.New("query text is empty")

	ErrNoFile       = errors.New("no file uploaded")
	ErrNotPDF       = errors.New("only PDF files are allowed")
	ErrFileTooLarge = errors.New("file exceeds the upload size limit")

	ErrJobNotFound = errors.New("job not found")
)
