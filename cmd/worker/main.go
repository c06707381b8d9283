// Package main 是 PDF 入库 worker 的入口点。
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"pdfchat-go/internal/config"
	"pdfchat-go/internal/model"
	"pdfchat-go/internal/pipeline"
	"pdfchat-go/pkg/database"
	"pdfchat-go/pkg/embedding"
	"pdfchat-go/pkg/es"
	"pdfchat-go/pkg/kafka"
	"pdfchat-go/pkg/log"
	"pdfchat-go/pkg/pdf"
	"pdfchat-go/pkg/queue"
	"pdfchat-go/pkg/tika"
)

func main() {
	config.Init(config.Path())
	cfg := config.Conf

	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	database.InitRedis(cfg.Redis)
	defer database.RDB.Close()

	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatalf("es 初始化失败: %v", err)
	}
	embeddingClient, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatalf("embedding 客户端初始化失败: %v", err)
	}
	splitter, err := pipeline.NewSplitter(cfg.Chunking)
	if err != nil {
		log.Fatalf("分块器初始化失败: %v", err)
	}

	processor := pipeline.NewProcessor(
		newExtractor(cfg),
		embeddingClient,
		es.NewStore(esClient),
		splitter,
		pipeline.Options{
			Corpus:           model.CorpusID(cfg.Vector.Corpus),
			Dimensions:       cfg.Embedding.Dimensions,
			BatchSize:        cfg.Embedding.BatchSize,
			Workers:          cfg.Embedding.Workers,
			DeterministicIDs: cfg.Ingestion.DeterministicIDs,
			ModelVersion:     cfg.Embedding.Model,
		},
	)

	worker := queue.NewWorker(queue.New(database.RDB, cfg.Queue.Name), processor, queue.WorkerOptions{
		Concurrency:  1, // 入库固定串行，config.Validate 同样拒绝其他值
		PollInterval: cfg.Queue.PollInterval,
	})
	worker.On(queue.LogListener{})

	if cfg.Kafka.Enabled {
		publisher := kafka.NewEventPublisher(kafka.NewWriter(cfg.Kafka))
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warnf("关闭 Kafka 生产者失败: %v", err)
			}
		}()
		worker.On(publisher)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("worker 异常退出: %v", err)
	}
	log.Info("worker 已关闭")
}

func newExtractor(cfg config.Config) pipeline.Extractor {
	switch cfg.Extractor.Provider {
	case "tika":
		log.Infof("使用 Tika 提取 PDF 文本, server: %s", cfg.Tika.ServerURL)
		return tika.NewClient(cfg.Tika)
	default:
		return pdf.NewExtractor()
	}
}
