package api

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/config"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/scanner"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "device-discovery"

// maxTimeoutSeconds is the largest budget that converts to a Duration
// without overflowing. The scanner caps it further.
const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

// defaultOperator is recorded when a batch names nobody.
const defaultOperator = "system"

// Server represents the HTTP API server.
type Server struct {
	config  config.ServerConfig
	scanner *scanner.Scanner
	logger  *zap.SugaredLogger
	router  *gin.Engine
}

// New creates a new API server.
func New(cfg config.ServerConfig, scan *scanner.Scanner, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:  cfg,
		scanner: scan,
		logger:  logger,
		router:  gin.New(),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	// Health endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)

	// API v1
	v1 := s.router.Group("/api/v1/discovery")
	{
		// Scan lifecycle
		v1.POST("/scans", s.startScanHandler)
		v1.GET("/scans/:scanId", s.progressHandler)
		v1.POST("/scans/:scanId/stop", s.stopScanHandler)
		v1.GET("/scans/:scanId/export", s.exportHandler)

		// Registration
		v1.POST("/devices/batch", s.batchRegisterHandler)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Debugw("Request completed",
			"path", path,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"duration", time.Since(start).String(),
		)
	}
}

// Health check handler
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
	})
}

// Readiness check handler
func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ready",
		"service":      serviceName,
		"active_scans": s.scanner.ActiveScans(),
	})
}

func (s *Server) startScanHandler(c *gin.Context) {
	var req StartScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	timeout := requestTimeout(req.Timeout)

	task, err := s.scanner.StartScan(scanner.Request{
		Subnet:      req.Subnet,
		Timeout:     timeout,
		Protocols:   req.Protocols,
		ProgressURL: req.ProgressURL,
		CompleteURL: req.CompleteURL,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, task)
}

// requestTimeout converts a budget in seconds. Nil means the default and
// negative values pass through for the scanner to reject.
func requestTimeout(seconds *int) time.Duration {
	if seconds == nil {
		return 0
	}
	n := int64(*seconds)
	if n > maxTimeoutSeconds {
		n = maxTimeoutSeconds
	}
	return time.Duration(n) * time.Second
}

func (s *Server) progressHandler(c *gin.Context) {
	snap, err := s.scanner.GetProgress(c.Request.Context(), c.Param("scanId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) stopScanHandler(c *gin.Context) {
	scanID := c.Param("scanId")
	if err := s.scanner.Cancel(c.Request.Context(), scanID); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StopScanResponse{
		ScanID:  scanID,
		Status:  "stopping",
		Message: "Discovery scan stop requested",
	})
}

func (s *Server) exportHandler(c *gin.Context) {
	export, err := s.scanner.Export(c.Request.Context(), c.Param("scanId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, export)
}

func (s *Server) batchRegisterHandler(c *gin.Context) {
	var req BatchRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	operator := req.Operator
	if operator == "" {
		operator = c.GetHeader("X-Operator")
	}
	if operator == "" {
		operator = defaultOperator
	}

	summary, err := s.scanner.BatchRegister(c.Request.Context(), operator, req.Devices)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// writeError maps scanner errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scanner.ErrScanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scanner.ErrEmptyResult):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, scanner.ErrTooManyScans):
		status = http.StatusTooManyRequests
	case errors.Is(err, scanner.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, scanner.ErrShuttingDown), errors.Is(err, scanner.ErrRegistryUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Warnw("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}
