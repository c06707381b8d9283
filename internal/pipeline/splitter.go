package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"pdfchat-go/internal/config"
)

// DefaultSeparators 按优先级排列：段落、换行、句号、空格，最后按字符硬切。
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter 是递归分隔符切分器。长度均按 rune 计算。
//
// 文本先被递归拆成不超过 ChunkSize-ChunkOverlap 的小片段，再贪心合并：
// 除第一个分块外，每个分块都以上一个分块末尾的 ChunkOverlap 个字符开头。
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// NewSplitter 根据配置创建切分器。
func NewSplitter(cfg config.ChunkingConfig) (*Splitter, error) {
	if cfg.ChunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return &Splitter{chunkSize: cfg.ChunkSize, overlap: cfg.ChunkOverlap, separators: seps}, nil
}

// SplitText 将一段文本切分为分块。空文本返回 nil。
func (s *Splitter) SplitText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= s.chunkSize {
		return []string{text}
	}
	return s.merge(s.pieces(text, s.separators))
}

// pieces 递归拆分，保证每个片段不超过 chunkSize-overlap。
func (s *Splitter) pieces(text string, seps []string) []string {
	limit := s.chunkSize - s.overlap
	if runeLen(text) <= limit {
		return []string{text}
	}

	for i, sep := range seps {
		if sep == "" {
			break
		}
		if !strings.Contains(text, sep) {
			continue
		}
		var out []string
		for _, part := range splitKeepSeparator(text, sep) {
			if runeLen(part) <= limit {
				out = append(out, part)
				continue
			}
			out = append(out, s.pieces(part, seps[i+1:])...)
		}
		return out
	}
	return hardCut(text, limit)
}

// merge 贪心合并片段，并在分块之间加入重叠。
func (s *Splitter) merge(pieces []string) []string {
	var chunks []string
	var cur []rune
	fresh := false // cur 中是否有尚未输出的新内容

	for _, piece := range pieces {
		p := []rune(piece)
		if len(p) == 0 {
			continue
		}
		if fresh && len(cur)+len(p) > s.chunkSize {
			chunks = append(chunks, string(cur))
			cur = tail(cur, s.overlap)
			fresh = false
		}
		cur = append(cur, p...)
		fresh = true
	}
	if fresh {
		chunks = append(chunks, string(cur))
	}
	return chunks
}

// splitKeepSeparator 按 sep 拆分，sep 保留在前一段的末尾。
func splitKeepSeparator(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hardCut(text string, limit int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// tail 返回 r 末尾最多 n 个 rune 的副本。
func tail(r []rune, n int) []rune {
	if n > len(r) {
		n = len(r)
	}
	out := make([]rune, n, len(r))
	copy(out, r[len(r)-n:])
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
