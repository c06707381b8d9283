// Package es 提供了基于 Elasticsearch dense_vector 索引的向量集合实现。
// 每个语料库（CorpusID）对应一个索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pdfchat-go/internal/config"
	"pdfchat-go/internal/model"
	"pdfchat-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ErrIndexNotFound 表示语料库对应的索引不存在。
var ErrIndexNotFound = errors.New("index not found")

// NewClient 根据配置创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// Store 是向量集合的 Elasticsearch 实现。
type Store struct {
	client *elasticsearch.Client
}

// NewStore 创建一个新的 Store 实例。
func NewStore(client *elasticsearch.Client) *Store {
	return &Store{client: client}
}

// esDocument 定义了存储在 Elasticsearch 中的文档结构。
type esDocument struct {
	TextContent string    `json:"text_content"`
	Vector      []float32 `json:"vector,omitempty"`
	model.RecordMetadata
}

// Exists 检查语料库索引是否存在。
func (s *Store) Exists(ctx context.Context, corpus model.CorpusID) (bool, error) {
	res, err := s.client.Indices.Exists([]string{corpus.String()}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", corpus, res.StatusCode)
	}
}

// EnsureCollection 创建语料库索引（如果尚不存在）。索引已存在不视为错误，
// 因此并发的首次入库不会互相冲突。
func (s *Store) EnsureCollection(ctx context.Context, corpus model.CorpusID, dims int) error {
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"filename": { "type": "keyword" },
				"page_number": { "type": "integer" },
				"chunk_index": { "type": "integer" },
				"source_path": { "type": "keyword", "index": false },
				"content_hash": { "type": "keyword" },
				"model_version": { "type": "keyword" }
			}
		}
	}`, dims)

	res, err := s.client.Indices.Create(
		corpus.String(),
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", corpus, err)
		return fmt.Errorf("failed to create index %s: %w", corpus, err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		log.Infof("索引 '%s' 创建成功, 向量维度: %d", corpus, dims)
		return nil
	}

	errType, reason := decodeError(res.Body)
	if errType == "resource_already_exists_exception" {
		return nil
	}
	log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: [%d] %s: %s", corpus, res.StatusCode, errType, reason)
	return fmt.Errorf("elasticsearch returned an error creating index %s: %s", corpus, reason)
}

// Upsert 通过 bulk API 写入所有向量记录。记录的 ID 为空时由 Elasticsearch 生成，
// 否则相同 ID 的记录会被覆盖。
func (s *Store) Upsert(ctx context.Context, corpus model.CorpusID, records []model.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		action := map[string]interface{}{"_index": corpus.String()}
		if r.ID != "" {
			action["_id"] = r.ID
		}
		if err := enc.Encode(map[string]interface{}{"index": action}); err != nil {
			return err
		}
		if err := enc.Encode(esDocument{TextContent: r.Text, Vector: r.Vector, RecordMetadata: r.Metadata}); err != nil {
			return err
		}
	}

	res, err := s.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		errType, reason := decodeError(res.Body)
		return fmt.Errorf("elasticsearch bulk returned an error: [%d] %s: %s", res.StatusCode, errType, reason)
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulkResp.Errors {
		failed := 0
		var first string
		for _, item := range bulkResp.Items {
			for _, result := range item {
				if result.Status >= 300 {
					failed++
					if first == "" {
						first = result.Error.Type + ": " + result.Error.Reason
					}
				}
			}
		}
		return fmt.Errorf("elasticsearch bulk indexed with %d failures, first: %s", failed, first)
	}
	return nil
}

// Search 执行 k-NN 相似度检索，按 Elasticsearch 返回的顺序给出前 k 条结果。
func (s *Store) Search(ctx context.Context, corpus model.CorpusID, vector []float32, k int) ([]model.SearchHit, error) {
	numCandidates := k * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	query := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": numCandidates,
		},
		"size": k,
		"_source": map[string]interface{}{
			"excludes": []string{"vector"},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{corpus.String()},
		Body:  &buf,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, corpus)
	}
	if res.IsError() {
		errType, reason := decodeError(res.Body)
		if errType == "index_not_found_exception" {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, corpus)
		}
		return nil, fmt.Errorf("elasticsearch returned an error: [%d] %s: %s", res.StatusCode, errType, reason)
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				ID     string     `json:"_id"`
				Score  float64    `json:"_score"`
				Source esDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, model.SearchHit{
			ID:       h.ID,
			Text:     h.Source.TextContent,
			Metadata: h.Source.RecordMetadata,
			Score:    h.Score,
		})
	}
	return hits, nil
}

// decodeError 解析 Elasticsearch 的错误响应体，返回错误类型与原因。
func decodeError(body io.Reader) (string, string) {
	raw, _ := io.ReadAll(body)
	var e struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.Error.Type == "" {
		return "", string(raw)
	}
	return e.Error.Type, e.Error.Reason
}
