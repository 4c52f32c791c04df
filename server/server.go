// Package server exposes the pump over a small JSON API. Only one motion command runs at a time;
// requests that arrive while the pump is busy are rejected with 409 Conflict.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/controller"
)

// Pump is the part of *controller.Controller used by the server
type Pump interface {
	RunSequence(flowcal.Profile, flowcal.Mode) (*controller.RunResult, error)
	RunFlow(flowcal.Profile) (*controller.RunResult, error)
	Home() (int, error)
	Stop() error
	ReadSensors() (controller.Sensors, error)
}

var _ Pump = &controller.Controller{}

// ModeFlow selects a flow profile [ml/s] in a run request
const ModeFlow = "flow"

// RunRequest starts a run. Mode is "position", "speed" or "flow".
type RunRequest struct {
	Mode    string          `json:"mode" binding:"required"`
	Profile flowcal.Profile `json:"profile"`
}

// Status is the response of GET /api/status
type Status struct {
	Busy    bool                `json:"busy"`
	Sensors *controller.Sensors `json:"sensors,omitempty"`
	LastRun string              `json:"last_run,omitempty"`
}

// Server serializes access to the pump
type Server struct {
	pump   Pump
	logger *zap.SugaredLogger

	// busy is held for the whole of a run or homing
	busy sync.Mutex

	mtx    sync.RWMutex
	latest *controller.RunResult

	httpServer *http.Server
}

// New creates a Server for the pump
func New(pump Pump, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{pump: pump, logger: logger.Named("server")}
}

// Router returns the API routes
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.logRequests)

	api := r.Group("/api")
	api.POST("/run", s.run)
	api.POST("/home", s.home)
	api.POST("/stop", s.stop)
	api.GET("/status", s.status)
	api.GET("/runs/latest", s.latestRun)

	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Infow("serving API", "addr", addr)
		errs <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debugw("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

func (s *Server) run(c *gin.Context) {
	var request RunRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	var mode flowcal.Mode
	if request.Mode != ModeFlow {
		var err error
		mode, err = flowcal.ParseMode(request.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if !s.busy.TryLock() {
		c.JSON(http.StatusConflict, gin.H{"error": "pump is busy"})
		return
	}
	defer s.busy.Unlock()

	var (
		result *controller.RunResult
		err    error
	)
	if request.Mode == ModeFlow {
		result, err = s.pump.RunFlow(request.Profile)
	} else {
		result, err = s.pump.RunSequence(request.Profile, mode)
	}
	if err != nil {
		s.logger.Errorw("run failed", "error", err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	s.mtx.Lock()
	s.latest = result
	s.mtx.Unlock()

	c.JSON(http.StatusOK, result)
}

func (s *Server) home(c *gin.Context) {
	if !s.busy.TryLock() {
		c.JSON(http.StatusConflict, gin.H{"error": "pump is busy"})
		return
	}
	defer s.busy.Unlock()

	iterations, err := s.pump.Home()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"iterations": iterations})
}

// stop does not wait for the pump to be idle. The transport serializes it with a running sequence.
func (s *Server) stop(c *gin.Context) {
	err := s.pump.Stop()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "stopped"})
}

func (s *Server) status(c *gin.Context) {
	var status Status

	s.mtx.RLock()
	if s.latest != nil {
		status.LastRun = s.latest.ID
	}
	s.mtx.RUnlock()

	if !s.busy.TryLock() {
		status.Busy = true
		c.JSON(http.StatusOK, status)
		return
	}
	defer s.busy.Unlock()

	sensors, err := s.pump.ReadSensors()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	status.Sensors = &sensors

	c.JSON(http.StatusOK, status)
}

func (s *Server) latestRun(c *gin.Context) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run yet"})
		return
	}
	c.JSON(http.StatusOK, s.latest)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, flowcal.ErrInputLengthMismatch),
		errors.Is(err, flowcal.ErrEmptyProfile),
		errors.Is(err, flowcal.ErrNonIncreasingTimes),
		errors.Is(err, flowcal.ErrInvalidValue),
		errors.Is(err, flowcal.ErrTargetOutOfRange),
		errors.Is(err, flowcal.ErrProfileTooLong),
		errors.Is(err, flowcal.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, flowcal.ErrOutOfPhysicalRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, flowcal.ErrDeviceCommunication):
		return http.StatusBadGateway
	case errors.Is(err, flowcal.ErrHomingTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
