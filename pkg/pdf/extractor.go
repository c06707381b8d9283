// Package pdf 使用纯 Go 的 PDF 解析库按页提取文本。
package pdf

import (
	"context"
	"fmt"

	"pdfchat-go/internal/model"
	"pdfchat-go/pkg/log"

	"github.com/ledongthuc/pdf"
)

// Extractor 按物理页提取 PDF 文本。
type Extractor struct{}

// NewExtractor 创建一个新的 Extractor 实例。
func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractPages 打开 path 处的 PDF，返回每一页的文本，页码从 1 开始。
// 单页解析失败按空页处理；解析库在损坏文件上的 panic 会被转换为错误。
func (e *Extractor) ExtractPages(ctx context.Context, path string) (pages []model.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if f != nil {
		defer f.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	total := reader.NumPage()
	pages = make([]model.Page, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, perr := p.GetPlainText(nil)
		if perr != nil {
			log.Warnf("[PDF] 提取第 %d 页文本失败, path: %s, error: %v", i, path, perr)
			continue
		}
		pages = append(pages, model.Page{Text: text, PageNumber: i})
	}
	return pages, nil
}
