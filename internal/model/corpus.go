package model

// CorpusID 标识一个向量集合。所有文档默认共享同一个语料库。
type CorpusID string

// DefaultCorpus 是整个部署共用的默认集合名。
const DefaultCorpus CorpusID = "pdf-chat-collection"

func (c CorpusID) String() string { return string(c) }
