package ginxframe

import (
	"net/http"

	"github.com/Skryldev/xframe"
	"github.com/gin-gonic/gin"
)

// Handler upgrades the request through s.
func Handler(s *xframe.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.ServeHTTP(c.Writer, c.Request)
	}
}

type StatsSource interface {
	Stats() xframe.Stats
}

// Stats serves the messenger counters as JSON.
func Stats(src StatsSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Stats())
	}
}
