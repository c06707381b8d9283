// Package pipeline 定义了文件入库的核心流程：提取、切分、向量化、写入向量集合。
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pdfchat-go/internal/model"
	"pdfchat-go/pkg/embedding"
	"pdfchat-go/pkg/log"
	"pdfchat-go/pkg/queue"
	"pdfchat-go/pkg/storage"
	"pdfchat-go/pkg/tasks"

	"github.com/panjf2000/ants/v2"
)

// minChunkLength 以内（含）的分块被视为噪声丢弃。
const minChunkLength = 10

// smokeTestInput 用于在批量向量化前确认 embedding 服务可用。
const smokeTestInput = "test"

// Extractor 按页提取 PDF 文本。
type Extractor interface {
	ExtractPages(ctx context.Context, path string) ([]model.Page, error)
}

// VectorStore 是入库流程需要的向量集合能力。
type VectorStore interface {
	EnsureCollection(ctx context.Context, corpus model.CorpusID, dims int) error
	Upsert(ctx context.Context, corpus model.CorpusID, records []model.VectorRecord) error
}

// Options 控制向量化与写入行为。
type Options struct {
	Corpus           model.CorpusID
	Dimensions       int // 大于 0 时校验向量维度
	BatchSize        int
	Workers          int
	DeterministicIDs bool
	ModelVersion     string
}

// ProcessResult 是一次成功入库的结果，序列化后存为任务的 returnvalue。
type ProcessResult struct {
	Success              bool   `json:"success"`
	ChunkCount           int    `json:"documentsProcessed"`
	Filename             string `json:"filename"`
	ProcessingDurationMs int64  `json:"processingTimeMs"`
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	extractor  Extractor
	embedder   embedding.Client
	store      VectorStore
	splitter   *Splitter
	opts       Options
	removeFile func(path string)
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(extractor Extractor, embedder embedding.Client, store VectorStore, splitter *Splitter, opts Options) *Processor {
	if opts.Corpus == "" {
		opts.Corpus = model.DefaultCorpus
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Processor{
		extractor:  extractor,
		embedder:   embedder,
		store:      store,
		splitter:   splitter,
		opts:       opts,
		removeFile: storage.Remove,
	}
}

// Process 满足 queue.Processor 接口。
func (p *Processor) Process(ctx context.Context, job *queue.Job) (interface{}, error) {
	payload, err := tasks.DecodeFileReady(job.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p.Ingest(ctx, payload, job.UpdateProgress)
}

// ProgressFunc 接收 0-100 的进度。
type ProgressFunc func(ctx context.Context, progress int) error

// Ingest 是文件处理的主函数。任何步骤失败都返回错误，由队列决定是否重试。
func (p *Processor) Ingest(ctx context.Context, payload tasks.FileReadyPayload, progress ProgressFunc) (*ProcessResult, error) {
	start := time.Now()
	report := func(v int) {
		if progress == nil {
			return
		}
		if err := progress(ctx, v); err != nil {
			log.Warnf("[Processor] 更新任务进度失败, progress: %d, error: %v", v, err)
		}
	}
	log.Infof("[Processor] 开始处理文件, FileName: %s, Path: %s", payload.Filename, payload.Path)

	// 1. 确认文件存在
	path, err := filepath.Abs(payload.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileMissing, payload.Path, err)
	}
	if _, err := os.Stat(path); err != nil {
		log.Errorf("[Processor] 文件不存在, Path: %s, Error: %v", path, err)
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
	}
	report(10)

	// 2. 按页提取文本
	pages, err := p.extractPages(ctx, path)
	if err != nil {
		log.Errorf("[Processor] 提取文本失败, FileName: %s, Error: %v", payload.Filename, err)
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if len(pages) == 0 {
		log.Warnf("[Processor] 未提取到任何页面, 处理中止, FileName: %s", payload.Filename)
		return nil, ErrExtractionFailed
	}
	// 3. 补充溯源信息
	for i := range pages {
		pages[i].Filename = payload.Filename
		pages[i].SourcePath = path
	}
	log.Infof("[Processor] 步骤2: 文本提取成功, 共 %d 页", len(pages))
	report(25)

	// 4. 切分并过滤
	chunks := p.chunk(pages)
	if len(chunks) == 0 {
		log.Warnf("[Processor] 没有有效分块, 处理中止, FileName: %s", payload.Filename)
		return nil, ErrNoValidChunks
	}
	log.Infof("[Processor] 步骤3: 文本分块完成, 共 %d 个有效分块", len(chunks))
	report(40)

	// 5. 向量化
	probe, err := p.embedder.CreateEmbedding(ctx, smokeTestInput)
	if err != nil {
		log.Errorf("[Processor] Embedding 服务不可用, Error: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingServiceUnavailable, err)
	}
	if p.opts.Dimensions > 0 && len(probe) != p.opts.Dimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: model returned %d, configured %d", len(probe), p.opts.Dimensions)
	}
	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		log.Errorf("[Processor] 批量向量化失败, FileName: %s, Error: %v", payload.Filename, err)
		return nil, err
	}
	log.Infof("[Processor] 步骤4: 向量化完成, 共 %d 个向量, 维度: %d", len(vectors), len(probe))
	report(60)

	// 6. 确保集合存在后写入
	records, err := p.buildRecords(path, chunks, vectors)
	if err != nil {
		return nil, err
	}
	if err := p.store.EnsureCollection(ctx, p.opts.Corpus, len(probe)); err != nil {
		return nil, fmt.Errorf("failed to ensure collection %s: %w", p.opts.Corpus, err)
	}
	if err := p.store.Upsert(ctx, p.opts.Corpus, records); err != nil {
		return nil, fmt.Errorf("failed to upsert %d records into %s: %w", len(records), p.opts.Corpus, err)
	}
	log.Infof("[Processor] 步骤5: 已写入 %d 条向量记录到集合 '%s'", len(records), p.opts.Corpus)
	report(90)

	// 7. 清理临时文件
	p.removeFile(path)

	result := &ProcessResult{
		Success:              true,
		ChunkCount:           len(chunks),
		Filename:             payload.Filename,
		ProcessingDurationMs: time.Since(start).Milliseconds(),
	}
	report(100)
	log.Infof("[Processor] 文件处理成功完成, FileName: %s, 分块数: %d, 耗时: %dms", payload.Filename, result.ChunkCount, result.ProcessingDurationMs)
	return result, nil
}

// extractPages 调用提取器，并把提取器的 panic 转换为错误。
// 空白页保留下来，由分块过滤决定是否还有有效内容。
func (p *Processor) extractPages(ctx context.Context, path string) (pages []model.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()

	return p.extractor.ExtractPages(ctx, path)
}

// chunk 逐页切分（分块不跨页），丢弃过短的分块，并为剩余分块连续编号。
func (p *Processor) chunk(pages []model.Page) []model.Chunk {
	var chunks []model.Chunk
	for _, pg := range pages {
		for _, text := range p.splitter.SplitText(pg.Text) {
			if len([]rune(strings.TrimSpace(text))) <= minChunkLength {
				continue
			}
			chunks = append(chunks, model.Chunk{
				Text:       text,
				Filename:   pg.Filename,
				PageNumber: pg.PageNumber,
				ChunkIndex: len(chunks),
				SourcePath: pg.SourcePath,
			})
		}
	}
	return chunks
}

// embedAll 按批次在 ants 协程池中并发向量化，任一批次失败即整体失败。
func (p *Processor) embedAll(ctx context.Context, chunks []model.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	pool, err := ants.NewPool(p.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding pool: %w", err)
	}
	defer pool.Release()

	vectors := make([][]float32, len(texts))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for start := 0; start < len(texts); start += p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batchStart, batch := start, texts[start:end]

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			out, err := p.embedder.CreateEmbeddings(ctx, batch)
			if err != nil {
				setErr(fmt.Errorf("failed to embed chunks %d-%d: %w", batchStart, batchStart+len(batch)-1, err))
				return
			}
			if len(out) != len(batch) {
				setErr(fmt.Errorf("embedding returned %d vectors for %d chunks", len(out), len(batch)))
				return
			}
			copy(vectors[batchStart:], out)
		})
		if submitErr != nil {
			wg.Done()
			setErr(fmt.Errorf("failed to submit embedding batch: %w", submitErr))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return vectors, nil
}

func (p *Processor) buildRecords(path string, chunks []model.Chunk, vectors [][]float32) ([]model.VectorRecord, error) {
	if len(vectors) != len(chunks) {
		return nil, errors.New("vector count does not match chunk count")
	}

	var fileHash string
	if p.opts.DeterministicIDs {
		h, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		fileHash = h
	}

	records := make([]model.VectorRecord, len(chunks))
	for i, c := range chunks {
		rec := model.VectorRecord{
			Vector: vectors[i],
			Text:   c.Text,
			Metadata: model.RecordMetadata{
				Filename:     c.Filename,
				PageNumber:   c.PageNumber,
				ChunkIndex:   c.ChunkIndex,
				SourcePath:   c.SourcePath,
				ContentHash:  fileHash,
				ModelVersion: p.opts.ModelVersion,
			},
		}
		if fileHash != "" {
			rec.ID = recordID(fileHash, c.Filename, c.ChunkIndex)
		}
		records[i] = rec
	}
	return records, nil
}

// recordID 由文件内容、文件名和分块序号确定。同一文件的重试得到相同的 ID，
// 内容相同但文件名不同的上传互不覆盖。
func recordID(contentHash, filename string, chunkIndex int) string {
	sum := md5.Sum([]byte(contentHash + "\x00" + filename))
	return fmt.Sprintf("%s_%d", hex.EncodeToString(sum[:]), chunkIndex)
}

// hashFile 计算文件内容的 MD5。
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
