// Package main 是 HTTP API 服务的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pdfchat-go/internal/config"
	"pdfchat-go/internal/handler"
	"pdfchat-go/internal/middleware"
	"pdfchat-go/internal/model"
	"pdfchat-go/internal/service"
	"pdfchat-go/pkg/database"
	"pdfchat-go/pkg/embedding"
	"pdfchat-go/pkg/es"
	"pdfchat-go/pkg/llm"
	"pdfchat-go/pkg/log"
	"pdfchat-go/pkg/queue"
	"pdfchat-go/pkg/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init(config.Path())
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化 Redis 与任务队列
	database.InitRedis(cfg.Redis)
	fileQueue := queue.New(database.RDB, cfg.Queue.Name)

	// 4. 初始化外部服务客户端
	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatalf("es 初始化失败: %v", err)
	}
	vectorStore := es.NewStore(esClient)

	embeddingClient, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatalf("embedding 客户端初始化失败: %v", err)
	}
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Fatalf("LLM 客户端初始化失败: %v", err)
	}
	fileStore, err := storage.NewLocalStore(cfg.Storage)
	if err != nil {
		log.Fatalf("上传目录初始化失败: %v", err)
	}

	// 5. 初始化 Service (依赖注入)
	uploadService := service.NewUploadService(fileStore, fileQueue, cfg.Queue, cfg.Storage)
	jobService := service.NewJobService(fileQueue)
	chatService := service.NewChatService(embeddingClient, vectorStore, llmClient, cfg.Query)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.MaxMultipartMemory = cfg.Storage.MaxFileSize
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.CORS(cfg.Server.CORSOrigins))

	// 7. 注册路由
	jobHandler := handler.NewJobHandler(jobService)
	r.GET("/", handler.Health)
	r.POST("/upload/pdf", handler.NewUploadHandler(uploadService, cfg.Storage.MaxFileSize).UploadPDF)
	r.GET("/job/:jobId", jobHandler.GetJob)
	r.GET("/queue/stats", jobHandler.QueueStats)
	r.GET("/chat", handler.NewChatHandler(chatService, model.CorpusID(cfg.Vector.Corpus)).Chat)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	if err := database.RDB.Close(); err != nil {
		log.Warnf("关闭 Redis 连接失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
