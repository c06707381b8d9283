package model

// RecordMetadata 是随向量一起存储的溯源信息。
type RecordMetadata struct {
	Filename     string `json:"filename"`
	PageNumber   int    `json:"page_number,omitempty"`
	ChunkIndex   int    `json:"chunk_index"`
	SourcePath   string `json:"source_path,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

// VectorRecord 是向量集合中存储的单元，与一个有效 Chunk 一一对应。
// ID 为空时由向量数据库自动生成。
type VectorRecord struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata RecordMetadata
}

// SearchHit 是一次相似度检索返回的单条结果。
type SearchHit struct {
	ID       string
	Text     string
	Metadata RecordMetadata
	Score    float64
}
