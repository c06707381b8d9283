// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath 是配置文件的默认路径，可通过 PDFCHAT_CONFIG 环境变量覆盖。
const DefaultPath = "./configs/config.yaml"

// PathEnv 指定配置文件路径的环境变量。
const PathEnv = "PDFCHAT_CONFIG"

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Extractor     ExtractorConfig     `mapstructure:"extractor"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Vector        VectorConfig        `mapstructure:"vector"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Query         QueryConfig         `mapstructure:"query"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port        string   `mapstructure:"port"`
	Mode        string   `mapstructure:"mode"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig 存储任务队列的配置。
type QueueConfig struct {
	Name             string        `mapstructure:"name"`
	Attempts         int           `mapstructure:"attempts"`
	BackoffType      string        `mapstructure:"backoff_type"`
	BackoffDelay     time.Duration `mapstructure:"backoff_delay"`
	RemoveOnComplete int           `mapstructure:"remove_on_complete"`
	RemoveOnFail     int           `mapstructure:"remove_on_fail"`
	Concurrency      int           `mapstructure:"concurrency"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// KafkaConfig 存储 Kafka 相关的配置，用于发布任务状态事件。
type KafkaConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Brokers     string `mapstructure:"brokers"`
	EventsTopic string `mapstructure:"events_topic"`
}

// StorageConfig 存储上传文件的临时存储配置。
type StorageConfig struct {
	UploadDir   string `mapstructure:"upload_dir"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

// ExtractorConfig 选择 PDF 文本提取实现："native" 或 "tika"。
type ExtractorConfig struct {
	Provider string `mapstructure:"provider"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ChunkingConfig 存储文本分块的配置。
type ChunkingConfig struct {
	ChunkSize    int      `mapstructure:"chunk_size"`
	ChunkOverlap int      `mapstructure:"chunk_overlap"`
	Separators   []string `mapstructure:"separators"`
}

// IngestionConfig 存储入库流程的配置。
type IngestionConfig struct {
	DeterministicIDs bool `mapstructure:"deterministic_ids"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// VectorConfig 存储向量集合（语料库）的配置。
type VectorConfig struct {
	Corpus string `mapstructure:"corpus"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
	Workers    int    `mapstructure:"workers"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"`
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// QueryConfig 存储问答流程的配置。
type QueryConfig struct {
	TopK         int    `mapstructure:"top_k"`
	NoResultText string `mapstructure:"no_result_text"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("queue.name", "file-upload-queue")
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff_type", "exponential")
	v.SetDefault("queue.backoff_delay", 2*time.Second)
	v.SetDefault("queue.remove_on_complete", 10)
	v.SetDefault("queue.remove_on_fail", 5)
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.events_topic", "pdf-ingestion-events")

	v.SetDefault("storage.upload_dir", "./uploads")
	v.SetDefault("storage.max_file_size", 10*1024*1024)

	v.SetDefault("extractor.provider", "native")
	v.SetDefault("tika.server_url", "http://localhost:9998")

	v.SetDefault("chunking.chunk_size", 1000)
	v.SetDefault("chunking.chunk_overlap", 200)
	v.SetDefault("chunking.separators", []string{"\n\n", "\n", ". ", " ", ""})

	v.SetDefault("ingestion.deterministic_ids", true)

	v.SetDefault("elasticsearch.addresses", "http://localhost:9200")
	v.SetDefault("vector.corpus", "pdf-chat-collection")

	v.SetDefault("embedding.provider", "ollama")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.workers", 4)

	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3.2")

	v.SetDefault("query.top_k", 3)
	v.SetDefault("query.no_result_text", "I couldn't find any relevant information in the uploaded documents to answer your question.")
}

// Load 从指定路径读取 YAML 配置，环境变量（PDFCHAT_ 前缀）可覆盖文件中的值。
// 配置文件不存在时只使用默认值与环境变量。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PDFCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查互相依赖的配置项。
func (c Config) Validate() error {
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size), got %d", c.Chunking.ChunkOverlap)
	}
	// 入库 worker 必须串行处理，避免并发写入者竞争创建集合
	if c.Queue.Concurrency != 1 {
		return fmt.Errorf("queue.concurrency must be 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("queue.attempts must be at least 1, got %d", c.Queue.Attempts)
	}
	if c.Query.TopK < 1 {
		return fmt.Errorf("query.top_k must be at least 1, got %d", c.Query.TopK)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Path 返回要加载的配置文件路径。
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}
