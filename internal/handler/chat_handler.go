package handler

import (
	"errors"
	"net/http"
	"strings"

	"pdfchat-go/internal/model"
	"pdfchat-go/internal/service"
	"pdfchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ChatHandler 负责处理问答请求。
type ChatHandler struct {
	chatService service.ChatService
	corpus      model.CorpusID
}

// NewChatHandler 创建一个新的 ChatHandler 实例，所有问题都在 corpus 中检索。
func NewChatHandler(chatService service.ChatService, corpus model.CorpusID) *ChatHandler {
	return &ChatHandler{chatService: chatService, corpus: corpus}
}

// Chat 处理 GET /chat?message=...，同步返回回答和引用来源。
func (h *ChatHandler) Chat(c *gin.Context) {
	message := c.Query("message")
	if strings.TrimSpace(message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message query parameter is required and must be a string"})
		return
	}

	result, err := h.chatService.Answer(c.Request.Context(), h.corpus, model.Query{Text: message})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyQuery):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Message query parameter is required and must be a string"})
		case errors.Is(err, service.ErrCollectionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "No documents found. Please upload a PDF first.",
				"details": "The vector database collection does not exist yet.",
			})
		default:
			log.Errorf("[ChatHandler] 问答失败, query: %q, error: %v", message, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process chat request", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"response": result.Answer,
		"sources":  result.Sources,
		"query":    message,
	})
}
