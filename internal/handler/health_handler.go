package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Version 是服务对外报告的版本号。
const Version = "1.0.0"

// Health 报告服务存活状态。
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "PDF Chat Server Running!",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"version":   Version,
	})
}
