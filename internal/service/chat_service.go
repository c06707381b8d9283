package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pdfchat-go/internal/config"
	"pdfchat-go/internal/model"
	"pdfchat-go/pkg/es"
	"pdfchat-go/pkg/llm"
	"pdfchat-go/pkg/log"
)

// excerptLength 是来源摘录保留的字符数。
const excerptLength = 200

// QueryEmbedder 把问题文本转换为向量，必须与入库使用同一模型。
type QueryEmbedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Searcher 是问答流程需要的向量集合只读能力。
type Searcher interface {
	Exists(ctx context.Context, corpus model.CorpusID) (bool, error)
	Search(ctx context.Context, corpus model.CorpusID, vector []float32, k int) ([]model.SearchHit, error)
}

// ChatService 定义了问答操作的接口。
type ChatService interface {
	Answer(ctx context.Context, corpus model.CorpusID, query model.Query) (*model.AnswerResult, error)
}

type chatService struct {
	embedder  QueryEmbedder
	searcher  Searcher
	generator llm.Client
	topK      int
	noResult  string
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(embedder QueryEmbedder, searcher Searcher, generator llm.Client, cfg config.QueryConfig) ChatService {
	topK := cfg.TopK
	if topK < 1 {
		topK = 3
	}
	noResult := cfg.NoResultText
	if noResult == "" {
		noResult = "I couldn't find any relevant information in the uploaded documents to answer your question."
	}
	return &chatService{
		embedder:  embedder,
		searcher:  searcher,
		generator: generator,
		topK:      topK,
		noResult:  noResult,
	}
}

// Answer 协调 RAG 流程：检索上下文、构建提示词、同步调用模型并给出引用来源。
func (s *chatService) Answer(ctx context.Context, corpus model.CorpusID, query model.Query) (*model.AnswerResult, error) {
	question := strings.TrimSpace(query.Text)
	if question == "" {
		return nil, ErrEmptyQuery
	}

	// 1. 确认语料库存在
	exists, err := s.searcher.Exists(ctx, corpus)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if !exists {
		return nil, ErrCollectionNotFound
	}

	// 2. 向量化问题
	vector, err := s.embedder.CreateEmbedding(ctx, question)
	if err != nil {
		log.Errorf("[ChatService] 问题向量化失败: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	// 3. 相似度检索
	hits, err := s.searcher.Search(ctx, corpus, vector, s.topK)
	if err != nil {
		if errors.Is(err, es.ErrIndexNotFound) {
			return nil, ErrCollectionNotFound
		}
		log.Errorf("[ChatService] 向量检索失败: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	log.Infof("[ChatService] 检索完成, corpus: %s, topK: %d, 命中: %d", corpus, s.topK, len(hits))

	// 4. 没有结果时直接返回固定回答，不调用模型
	if len(hits) == 0 {
		return &model.AnswerResult{Answer: s.noResult, Sources: []model.Source{}}, nil
	}

	// 5-6. 构建提示词并生成
	answer, err := s.generator.Generate(ctx, BuildPrompt(question, hits))
	if err != nil {
		log.Errorf("[ChatService] 调用 LLM 失败: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	// 7. 引用来源
	return &model.AnswerResult{
		Answer:  strings.TrimSpace(answer),
		Sources: sourcesFromHits(hits),
	}, nil
}

// BuildPrompt 把检索到的分块组装成上下文，并要求模型只依据上下文作答。
func BuildPrompt(question string, hits []model.SearchHit) string {
	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = fmt.Sprintf("Document %d (%s): %s", i+1, h.Metadata.Filename, h.Text)
	}

	var b strings.Builder
	b.WriteString("Based on the following context from uploaded PDF documents, answer the user's question. ")
	b.WriteString("If the answer cannot be found in the context, say so clearly.\n\n")
	b.WriteString("Context:\n")
	b.WriteString(strings.Join(docs, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

func sourcesFromHits(hits []model.SearchHit) []model.Source {
	sources := make([]model.Source, len(hits))
	for i, h := range hits {
		var page interface{} = model.UnknownPage
		if h.Metadata.PageNumber > 0 {
			page = h.Metadata.PageNumber
		}
		sources[i] = model.Source{
			Filename: h.Metadata.Filename,
			Page:     page,
			Content:  excerpt(h.Text),
		}
	}
	return sources
}

func excerpt(text string) string {
	r := []rune(text)
	if len(r) > excerptLength {
		r = r[:excerptLength]
	}
	return string(r) + "..."
}
