package ports

import "github.com/gin-gonic/gin"

type StatusHTTPHandler interface {
	Health(c *gin.Context)
	Ready(c *gin.Context)
	Stats(c *gin.Context)
	LatestStats(c *gin.Context)
	StatsHistory(c *gin.Context)
	Events(c *gin.Context)
	Quality(c *gin.Context)
	Rooms(c *gin.Context)
}
