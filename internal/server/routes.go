package server

import (
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors())

	// websocket endpoint; the upstream link travels in the query string
	r.GET("/", gin.WrapH(s.ws))

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/channels", s.handleListChannels)
	}

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler(s.updateGauges)))
	}

	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// requestLogger logs every request except websocket upgrades, which are
// logged by the transport once they are accepted.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.IsWebsocket() {
			return
		}
		s.log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}
