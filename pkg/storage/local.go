// Package storage 提供上传文件的临时存储：文件在入库完成后即被删除。
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"pdfchat-go/internal/config"
	"pdfchat-go/pkg/log"

	"github.com/google/uuid"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// SavedFile 描述一次保存的结果。
type SavedFile struct {
	Filename    string // 磁盘上的唯一文件名
	Destination string // 所在目录
	Path        string
	Size        int64
}

// LocalStore 把上传内容写入本地目录。
type LocalStore struct {
	dir string
	now func() time.Time
}

// NewLocalStore 创建上传目录（如果不存在）并返回 LocalStore。
func NewLocalStore(cfg config.StorageConfig) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}
	return &LocalStore{dir: cfg.UploadDir, now: time.Now}, nil
}

// SanitizeFilename 把除字母、数字、点和连字符以外的字符替换为下划线。
func SanitizeFilename(name string) string {
	return unsafeChars.ReplaceAllString(filepath.Base(name), "_")
}

// Save 以 {unixMillis}-{uuid}-{原文件名} 的形式保存 r 的内容。
func (s *LocalStore) Save(originalName string, r io.Reader) (*SavedFile, error) {
	name := fmt.Sprintf("%d-%s-%s", s.now().UnixMilli(), uuid.NewString(), SanitizeFilename(originalName))
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("创建文件失败: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("写入文件失败: %w", err)
	}

	return &SavedFile{Filename: name, Destination: s.dir, Path: path, Size: size}, nil
}

// Remove 尽力删除文件，失败只记录日志。文件已不存在不视为失败。
func Remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("[Storage] 删除临时文件失败, path: %s, error: %v", path, err)
		return
	}
	log.Debugf("[Storage] 已删除临时文件: %s", path)
}
