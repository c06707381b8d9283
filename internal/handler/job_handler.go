package handler

import (
	"errors"
	"net/http"

	"pdfchat-go/internal/service"
	"pdfchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// JobHandler 负责任务状态查询。
type JobHandler struct {
	jobService service.JobService
}

// NewJobHandler 创建一个新的 JobHandler 实例。
func NewJobHandler(jobService service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

// GetJob 返回单个任务的状态、进度与结果。
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	status, err := h.jobService.Status(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		log.Errorf("[JobHandler] 查询任务 %s 失败: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job status", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// QueueStats 返回队列中各状态的任务数量。
func (h *JobHandler) QueueStats(c *gin.Context) {
	counts, err := h.jobService.Counts(c.Request.Context())
	if err != nil {
		log.Errorf("[JobHandler] 查询队列统计失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue stats", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}
