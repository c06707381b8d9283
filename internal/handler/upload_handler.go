// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"pdfchat-go/internal/service"
	"pdfchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// uploadField 是 multipart 表单中 PDF 文件的字段名。
const uploadField = "pdf"

// multipartOverhead 是 multipart 边界与表单头允许占用的额外字节数。
const multipartOverhead = 64 << 10

// UploadHandler 负责处理 PDF 上传请求。
type UploadHandler struct {
	uploadService service.UploadService
	maxBodyBytes  int64
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。maxFileSize 大于 0 时，
// 超过 maxFileSize 加上表单开销的请求体会在读取时被截断。
func NewUploadHandler(uploadService service.UploadService, maxFileSize int64) *UploadHandler {
	h := &UploadHandler{uploadService: uploadService}
	if maxFileSize > 0 {
		h.maxBodyBytes = maxFileSize + multipartOverhead
	}
	return h
}

// UploadPDF 接收一个 PDF 文件，保存后入队等待异步处理。
func (h *UploadHandler) UploadPDF(c *gin.Context) {
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}

	header, err := c.FormFile(uploadField)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		log.Warnf("[UploadHandler] 请求体超过上限 %d 字节", h.maxBodyBytes)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Upload failed", "details": service.ErrFileTooLarge.Error()})
		return
	}
	if err != nil {
		log.Warnf("[UploadHandler] 请求中没有 PDF 文件: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "No PDF file uploaded"})
		return
	}

	file, err := header.Open()
	if err != nil {
		log.Error("[UploadHandler] 打开上传文件失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed", "details": err.Error()})
		return
	}
	defer file.Close()

	result, err := h.uploadService.Accept(c.Request.Context(), service.UploadRequest{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoFile):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No PDF file uploaded"})
		case errors.Is(err, service.ErrNotPDF), errors.Is(err, service.ErrFileTooLarge):
			log.Warnf("[UploadHandler] 拒绝上传 '%s': %v", header.Filename, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Upload failed", "details": err.Error()})
		default:
			log.Errorf("[UploadHandler] 上传 '%s' 失败: %v", header.Filename, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "PDF uploaded successfully and queued for processing",
		"file":    result.File,
		"jobId":   result.JobID,
		"size":    result.Size,
	})
}
