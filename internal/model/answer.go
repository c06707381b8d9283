package model

// UnknownPage 用于元数据中缺少页码的来源。
const UnknownPage = "Unknown"

// Query 是一次用户提问。
type Query struct {
	Text string
}

// Source 是回答所引用的文档片段。Page 为页码（int）或 UnknownPage。
type Source struct {
	Filename string      `json:"filename"`
	Page     interface{} `json:"page"`
	Content  string      `json:"content"`
}

// AnswerResult 是问答流程的返回值。
type AnswerResult struct {
	Answer  string   `json:"response"`
	Sources []Source `json:"sources"`
}
