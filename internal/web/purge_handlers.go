// internal/web/purge_handlers.go - Sample retention and database maintenance
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultCleanupDays = 7

type CleanupRequest struct {
	Days *int `json:"days"`
}

func (s *Server) setupMaintenanceRoutes(api *gin.RouterGroup) {
	api.POST("/cleanup", s.cleanupSamples)
	api.POST("/compact", s.compactDatabase)
}

// POST /api/cleanup - Delete samples older than the given number of days
func (s *Server) cleanupSamples(c *gin.Context) {
	var req CleanupRequest
	// An empty body means the default window.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	days := defaultCleanupDays
	if req.Days != nil {
		days = *req.Days
	}
	if days < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must not be negative"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := s.store.PurgeSamplesOlderThan(ctx, cutoff)
	s.metrics.RecordDatabaseOperation("purge_samples", err)
	if err != nil {
		logrus.WithError(err).Error("Failed to clean up samples")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clean up samples"})
		return
	}

	logrus.WithFields(logrus.Fields{
		"days":    days,
		"deleted": deleted,
	}).Info("Sample cleanup requested")

	c.JSON(http.StatusOK, gin.H{
		"deleted_records": deleted,
		"cutoff":          cutoff,
	})
}

// POST /api/compact
func (s *Server) compactDatabase(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()

	err := s.store.CompactDatabase(ctx)
	s.metrics.RecordDatabaseOperation("compact", err)
	if err != nil {
		logrus.WithError(err).Error("Failed to compact database")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compact database"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Database compacted successfully",
		"timestamp": time.Now(),
	})
}

// GET /api/stats
func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.GetDatabaseStats(c.Request.Context())
	s.metrics.RecordDatabaseOperation("stats", err)
	if err != nil {
		logrus.WithError(err).Error("Failed to get database stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get database stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"database":     stats,
			"hosts_online": len(s.hub.Online()),
		},
	})
}
