// internal/web/handlers.go - Host administration
package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/protocol"
)

// historyLimit is how many samples the host detail returns.
const historyLimit = 100

type HostRequest struct {
	Name string `json:"name"`
}

// HostResponse is a host without its credential, plus what agents last reported.
type HostResponse struct {
	protocol.HostView
	SystemInfo   *protocol.SystemInfo `json:"system_info"`
	LatestSample *protocol.Sample     `json:"latest_sample"`
}

type HostDetailResponse struct {
	HostResponse
	Samples []protocol.Sample `json:"samples"`
}

// GET /api/hosts
func (s *Server) getHosts(c *gin.Context) {
	ctx := c.Request.Context()

	hosts, err := s.store.ListHosts(ctx)
	s.metrics.RecordDatabaseOperation("list_hosts", err)
	if err != nil {
		logrus.WithError(err).Error("Failed to get hosts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get hosts"})
		return
	}

	online := s.hub.Online()
	response := make([]HostResponse, 0, len(hosts))
	for _, host := range hosts {
		resp, err := s.describeHost(c, host, online)
		if err != nil {
			logrus.WithError(err).WithField("host_id", host.ID).Error("Failed to describe host")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get hosts"})
			return
		}
		response = append(response, resp)
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  response,
		"count": len(response),
	})
}

// GET /api/hosts/:id
func (s *Server) getHost(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	host, ok := s.lookupHost(c, id)
	if !ok {
		return
	}

	resp, err := s.describeHost(c, *host, s.hub.Online())
	if err != nil {
		logrus.WithError(err).WithField("host_id", id).Error("Failed to describe host")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get host"})
		return
	}

	samples, err := s.store.RecentSamples(ctx, id, historyLimit)
	s.metrics.RecordDatabaseOperation("recent_samples", err)
	if err != nil {
		logrus.WithError(err).WithField("host_id", id).Error("Failed to get samples")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get host"})
		return
	}

	detail := HostDetailResponse{
		HostResponse: resp,
		Samples:      make([]protocol.Sample, 0, len(samples)),
	}
	for _, sample := range samples {
		detail.Samples = append(detail.Samples, *sample.Point())
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}

// POST /api/hosts
func (s *Server) createHost(c *gin.Context) {
	var req HostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	host, err := s.store.CreateHost(c.Request.Context(), req.Name)
	s.metrics.RecordDatabaseOperation("create_host", err)
	if err != nil {
		var verr *database.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		logrus.WithError(err).Error("Failed to create host")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create host"})
		return
	}

	logrus.WithFields(logrus.Fields{
		"host_id": host.ID,
		"name":    host.Name,
	}).Info("Host created")

	// The only response that carries the credential besides the install script.
	c.JSON(http.StatusCreated, gin.H{"data": host})
}

// DELETE /api/hosts/:id
func (s *Server) deleteHost(c *gin.Context) {
	id := c.Param("id")

	err := s.store.DeleteHost(c.Request.Context(), id)
	s.metrics.RecordDatabaseOperation("delete_host", err)
	if err != nil {
		logrus.WithError(err).WithField("host_id", id).Error("Failed to delete host")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete host"})
		return
	}

	// A live agent for a deleted host would keep writing into nothing.
	if s.hub.Evict(id) {
		logrus.WithField("host_id", id).Info("Disconnected agent of deleted host")
	}

	c.JSON(http.StatusOK, gin.H{"message": "Host deleted successfully"})
}

// lookupHost writes the 404 or 500 itself and reports whether to go on.
func (s *Server) lookupHost(c *gin.Context, id string) (*database.Host, bool) {
	host, err := s.store.GetHost(c.Request.Context(), id)
	if errors.Is(err, database.ErrHostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Host not found"})
		return nil, false
	}
	s.metrics.RecordDatabaseOperation("get_host", err)
	if err != nil {
		logrus.WithError(err).WithField("host_id", id).Error("Failed to get host")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get host"})
		return nil, false
	}
	return host, true
}

func (s *Server) describeHost(c *gin.Context, host database.Host, online map[string]bool) (HostResponse, error) {
	ctx := c.Request.Context()

	view := host.View()
	if online[host.ID] {
		view.Status = protocol.StatusOnline
	} else {
		view.Status = protocol.StatusOffline
	}
	resp := HostResponse{HostView: view}

	info, err := s.store.GetSystemInfo(ctx, host.ID)
	if err != nil {
		return resp, err
	}
	resp.SystemInfo = info

	latest, err := s.store.LatestSample(ctx, host.ID)
	if err != nil {
		return resp, err
	}
	if latest != nil {
		resp.LatestSample = latest.Point()
	}
	return resp, nil
}
