package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rtsp-relay-server/internal/relay"
)

// handleHealth reports liveness with the current channel and session counts.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.clock.Now().Unix(),
		"channels":  s.gateway.Registry().Len(),
		"sessions":  s.gateway.Sessions().Len(),
	})
}

// handleListChannels returns statistics for every live channel.
func (s *Server) handleListChannels(c *gin.Context) {
	channels := s.gateway.Registry().List()

	stats := make([]relay.ChannelStats, 0, len(channels))
	for _, ch := range channels {
		stats = append(stats, ch.Stats())
	}

	c.JSON(http.StatusOK, gin.H{"channels": stats})
}

func (s *Server) updateGauges() {
	s.metrics.SetActiveChannels(s.gateway.Registry().Len())
	s.metrics.SetActiveSessions(s.gateway.Sessions().Len())
}
