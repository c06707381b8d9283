package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pdfchat-go/internal/config"
	"pdfchat-go/internal/model"
	"pdfchat-go/pkg/queue"
	"pdfchat-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	pages []model.Page
	err   error
	panic bool
}

func (f *fakeExtractor) ExtractPages(_ context.Context, _ string) ([]model.Page, error) {
	if f.panic {
		panic("malformed xref table")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.Page, len(f.pages))
	copy(out, f.pages)
	return out, nil
}

type fakeEmbedder struct {
	mu         sync.Mutex
	smokeErr   error
	batchErr   error
	batchCalls int
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	if f.smokeErr != nil {
		return nil, f.smokeErr
	}
	return []float32{float32(len(text)), 0, 1}, nil
}

func (f *fakeEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len([]rune(t))), 0, 1}
	}
	return out, nil
}

type fakeStore struct {
	mu          sync.Mutex
	exists      bool
	dims        int
	ensureCalls int
	upsertErrs  []error // 依次返回，耗尽后成功
	records     map[string]model.VectorRecord
	appended    []model.VectorRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]model.VectorRecord{}}
}

func (f *fakeStore) EnsureCollection(_ context.Context, _ model.CorpusID, dims int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if !f.exists {
		f.exists = true
		f.dims = dims
	}
	return nil
}

func (f *fakeStore) Upsert(_ context.Context, _ model.CorpusID, records []model.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return errors.New("collection does not exist")
	}
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		// 模拟部分写入后失败
		if len(records) > 0 {
			f.put(records[0])
		}
		return err
	}
	for _, r := range records {
		f.put(r)
	}
	return nil
}

func (f *fakeStore) put(r model.VectorRecord) {
	if r.ID == "" {
		f.appended = append(f.appended, r)
		return
	}
	f.records[r.ID] = r
}

func (f *fakeStore) all() []model.VectorRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]model.VectorRecord(nil), f.appended...)
	for _, r := range f.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.ChunkIndex < out[j].Metadata.ChunkIndex })
	return out
}

func writePDF(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1700000000000-abc-report.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestProcessor(t *testing.T, ex Extractor, emb *fakeEmbedder, store VectorStore, opts Options) *Processor {
	t.Helper()
	s, err := NewSplitter(config.ChunkingConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)
	return NewProcessor(ex, emb, store, s, opts)
}

func twoPages() []model.Page {
	return []model.Page{
		{Text: strings.Repeat("Alpha Beta Gamma ", 3), PageNumber: 1},
		{Text: "Delta Epsilon", PageNumber: 2},
	}
}

func TestIngest_TwoPageDocument(t *testing.T) {
	path := writePDF(t, "%PDF-1.4 two pages")
	store := newFakeStore()
	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{}, store, Options{DeterministicIDs: true, ModelVersion: "nomic-embed-text", Dimensions: 3})

	var progress []int
	res, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "report.pdf", Path: path}, func(_ context.Context, v int) error {
		progress = append(progress, v)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Equal(t, "report.pdf", res.Filename)
	assert.Equal(t, []int{10, 25, 40, 60, 90, 100}, progress)

	sum := md5.Sum([]byte("%PDF-1.4 two pages"))
	hash := hex.EncodeToString(sum[:])
	idSum := md5.Sum([]byte(hash + "\x00report.pdf"))
	idPrefix := hex.EncodeToString(idSum[:])

	records := store.all()
	require.Len(t, records, 2)
	assert.Equal(t, idPrefix+"_0", records[0].ID)
	assert.Equal(t, 1, records[0].Metadata.PageNumber)
	assert.Equal(t, idPrefix+"_1", records[1].ID)
	assert.Equal(t, 2, records[1].Metadata.PageNumber)
	assert.Equal(t, "Delta Epsilon", records[1].Text)
	for _, r := range records {
		assert.Equal(t, "report.pdf", r.Metadata.Filename)
		assert.Equal(t, path, r.Metadata.SourcePath)
		assert.Equal(t, hash, r.Metadata.ContentHash)
		assert.Equal(t, "nomic-embed-text", r.Metadata.ModelVersion)
		assert.Len(t, r.Vector, 3)
	}
	assert.Equal(t, 3, store.dims)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "source file should be removed after ingestion")
}

func TestIngest_ResultJSONShape(t *testing.T) {
	raw, err := json.Marshal(&ProcessResult{Success: true, ChunkCount: 4, Filename: "a.pdf", ProcessingDurationMs: 12})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"documentsProcessed":4,"filename":"a.pdf","processingTimeMs":12}`, string(raw))
}

func TestIngest_ShortChunksAreNeverStored(t *testing.T) {
	path := writePDF(t, "pdf")
	store := newFakeStore()
	pages := []model.Page{
		{Text: "tiny", PageNumber: 1},
		{Text: "   0123456789   ", PageNumber: 2}, // 去空白后正好 10 个字符
		{Text: "This page has enough text.", PageNumber: 3},
	}
	p := newTestProcessor(t, &fakeExtractor{pages: pages}, &fakeEmbedder{}, store, Options{DeterministicIDs: true})

	res, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Metadata.PageNumber)
	assert.Equal(t, 0, records[0].Metadata.ChunkIndex)
	for _, r := range records {
		assert.Greater(t, len([]rune(strings.TrimSpace(r.Text))), 10)
	}
}

func TestIngest_FileMissing(t *testing.T) {
	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{}, newFakeStore(), Options{})
	_, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "gone.pdf", Path: filepath.Join(t.TempDir(), "gone.pdf")}, nil)
	assert.ErrorIs(t, err, ErrFileMissing)
}

func TestIngest_ExtractionFailed(t *testing.T) {
	cases := map[string]*fakeExtractor{
		"no pages":        {},
		"extractor err":   {err: errors.New("not a PDF file: invalid header")},
		"extractor panic": {panic: true},
	}
	for name, ex := range cases {
		t.Run(name, func(t *testing.T) {
			p := newTestProcessor(t, ex, &fakeEmbedder{}, newFakeStore(), Options{})
			_, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: writePDF(t, "x")}, nil)
			assert.ErrorIs(t, err, ErrExtractionFailed)
		})
	}
}

func TestIngest_NoValidChunks(t *testing.T) {
	cases := map[string][]model.Page{
		"short pages": {{Text: "short", PageNumber: 1}, {Text: "also tiny", PageNumber: 2}},
		"blank pages": {{Text: "   \n  ", PageNumber: 1}, {Text: "\n\n", PageNumber: 2}},
	}
	for name, pages := range cases {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			p := newTestProcessor(t, &fakeExtractor{pages: pages}, &fakeEmbedder{}, store, Options{})
			_, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: writePDF(t, "x")}, nil)
			assert.ErrorIs(t, err, ErrNoValidChunks)
			assert.NotErrorIs(t, err, ErrExtractionFailed)
			assert.Empty(t, store.all())
		})
	}
}

func TestIngest_BlankPagesAmongContentKeepPageNumbers(t *testing.T) {
	pages := []model.Page{
		{Text: "  ", PageNumber: 1},
		{Text: "Delta Epsilon Zeta", PageNumber: 2},
	}
	store := newFakeStore()
	p := newTestProcessor(t, &fakeExtractor{pages: pages}, &fakeEmbedder{}, store, Options{})
	res, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: writePDF(t, "x")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Metadata.PageNumber)
	assert.Equal(t, 0, records[0].Metadata.ChunkIndex)
}

func TestIngest_SameBytesDifferentNamesDoNotCollide(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{}, store, Options{DeterministicIDs: true})

	for _, name := range []string{"report.pdf", "report-copy.pdf"} {
		_, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: name, Path: writePDF(t, "identical bytes")}, nil)
		require.NoError(t, err)
	}

	records := store.all()
	require.Len(t, records, 4)
	names := map[string]int{}
	for _, r := range records {
		names[r.Metadata.Filename]++
	}
	assert.Equal(t, map[string]int{"report.pdf": 2, "report-copy.pdf": 2}, names)
}

func TestIngest_EmbeddingServiceUnavailable(t *testing.T) {
	emb := &fakeEmbedder{smokeErr: errors.New("connection refused")}
	store := newFakeStore()
	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, emb, store, Options{})
	_, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: writePDF(t, "x")}, nil)
	assert.ErrorIs(t, err, ErrEmbeddingServiceUnavailable)
	assert.Equal(t, 0, emb.batchCalls)
	assert.False(t, store.exists)
}

func TestIngest_BatchFailureFailsJob(t *testing.T) {
	emb := &fakeEmbedder{batchErr: errors.New("rate limited")}
	store := newFakeStore()
	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, emb, store, Options{})
	_, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: writePDF(t, "x")}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmbeddingServiceUnavailable)
	assert.Empty(t, store.all())
}

func TestIngest_DimensionMismatch(t *testing.T) {
	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{}, newFakeStore(), Options{Dimensions: 768})
	_, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: writePDF(t, "x")}, nil)
	assert.Error(t, err)
}

func TestIngest_BatchesKeepChunkOrder(t *testing.T) {
	var pages []model.Page
	for i := 1; i <= 5; i++ {
		pages = append(pages, model.Page{Text: strings.Repeat("word ", i+2), PageNumber: i})
	}
	emb := &fakeEmbedder{}
	store := newFakeStore()
	p := newTestProcessor(t, &fakeExtractor{pages: pages}, emb, store, Options{BatchSize: 2, Workers: 3, DeterministicIDs: true})

	res, err := p.Ingest(context.Background(), tasks.FileReadyPayload{Filename: "a.pdf", Path: writePDF(t, "x")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ChunkCount)
	assert.Equal(t, 3, emb.batchCalls)

	for i, r := range store.all() {
		assert.Equal(t, i, r.Metadata.ChunkIndex)
		assert.Equal(t, float32(len([]rune(r.Text))), r.Vector[0], "vector for chunk %d is misaligned", i)
	}
}

func TestIngest_RetryOnAbsentCollection(t *testing.T) {
	path := writePDF(t, "pdf bytes")
	emb := &fakeEmbedder{smokeErr: errors.New("model loading")}
	store := newFakeStore()
	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, emb, store, Options{DeterministicIDs: true})
	payload := tasks.FileReadyPayload{Filename: "report.pdf", Path: path}

	_, err := p.Ingest(context.Background(), payload, nil)
	require.Error(t, err)
	require.False(t, store.exists)

	emb.smokeErr = nil
	res, err := p.Ingest(context.Background(), payload, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Len(t, store.all(), 2)
}

func TestIngest_RetryAfterPartialUpsertKeepsAllChunks(t *testing.T) {
	for _, deterministic := range []bool{true, false} {
		path := writePDF(t, "pdf bytes")
		store := newFakeStore()
		store.upsertErrs = []error{errors.New("bulk timeout")}
		p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{}, store, Options{DeterministicIDs: deterministic})
		payload := tasks.FileReadyPayload{Filename: "report.pdf", Path: path}

		_, err := p.Ingest(context.Background(), payload, nil)
		require.Error(t, err)
		require.True(t, store.exists)

		_, err = p.Ingest(context.Background(), payload, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, store.ensureCalls)

		pagesSeen := map[int]bool{}
		for _, r := range store.all() {
			pagesSeen[r.Metadata.PageNumber] = true
		}
		assert.True(t, pagesSeen[1] && pagesSeen[2], "deterministic=%v", deterministic)
		if deterministic {
			assert.Len(t, store.all(), 2, "retried job should overwrite, not duplicate")
		} else {
			assert.GreaterOrEqual(t, len(store.all()), 2)
			for _, r := range store.all() {
				assert.Empty(t, r.ID)
			}
		}
	}
}

func TestProcess_InvalidPayload(t *testing.T) {
	p := newTestProcessor(t, &fakeExtractor{}, &fakeEmbedder{}, newFakeStore(), Options{})
	_, err := p.Process(context.Background(), &queue.Job{ID: "1", Data: json.RawMessage(`{"filename":"a.pdf"}`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestProcess_DecodesPayloadAndReturnsResult(t *testing.T) {
	path := writePDF(t, "pdf")
	data, err := json.Marshal(tasks.FileReadyPayload{Filename: "report.pdf", Path: path, Size: 3, UploadTime: time.Now()})
	require.NoError(t, err)

	p := newTestProcessor(t, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{}, newFakeStore(), Options{})
	job := &queue.Job{ID: "9", Data: data}
	out, err := p.Process(context.Background(), job)
	require.NoError(t, err)

	res, ok := out.(*ProcessResult)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", res.Filename)
	assert.Equal(t, 100, job.Progress)
}
