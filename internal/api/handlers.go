package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// handleHealth reports liveness
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).Seconds(),
	})
}

// handleGetStatus returns the chain, limiter and evaluator state
func (s *Server) handleGetStatus(c *gin.Context) {
	resp := gin.H{
		"search":    s.controller.Status(),
		"timestamp": time.Now().UTC(),
	}
	if s.limiter != nil {
		resp["limiter"] = s.limiter.Stats()
	}
	if s.evaluator != nil {
		resp["evaluator"] = s.evaluator.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetBest returns the best configuration found so far
func (s *Server) handleGetBest(c *gin.Context) {
	best := s.controller.Best()
	if best.Config == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no competitive configuration found yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"score":   best.Score,
		"run":     best.Run,
		"config":  best.Config,
		"metrics": best.Metrics,
	})
}

// handleStop requests a cooperative stop
func (s *Server) handleStop(c *gin.Context) {
	log.Info().Str("client_ip", c.ClientIP()).Msg("Stop requested via API")
	s.controller.Stop()
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "stopping",
		"message": "search will return its best result after the current evaluation",
	})
}

// handleGetRules returns the parameter table
func (s *Server) handleGetRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rules": filters.Rules(),
		"pairs": filters.Pairs(),
	})
}
