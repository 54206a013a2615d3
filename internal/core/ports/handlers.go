package ports

import (
	"github.com/gin-gonic/gin"
)

type CallHTTPHandler interface {
	StartCall(c *gin.Context)
	JoinCall(c *gin.Context)
	UpdateMedia(c *gin.Context)
	LeaveCall(c *gin.Context)
	GetCall(c *gin.Context)
	GetActiveCall(c *gin.Context)
}
