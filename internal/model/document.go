// Package model 定义了入库与问答流程共享的数据结构。
package model

// Page 表示从 PDF 中提取出的一个物理页面。
type Page struct {
	Text       string
	PageNumber int // 从 1 开始
	Filename   string
	SourcePath string
}

// Chunk 是页面文本经切分后得到的片段，是向量化与检索的基本单位。
type Chunk struct {
	Text       string
	Filename   string
	PageNumber int
	ChunkIndex int // 在整个文档内连续编号
	SourcePath string
}
