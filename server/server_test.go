package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/controller"
	"github.com/Lars-Olof-Turesson/flowcal/simdrive"
)

func newSimulatedPump(t *testing.T) *controller.Controller {
	t.Helper()

	clock := simdrive.NewClock(time.Millisecond)
	cfg := simdrive.DefaultConfig()
	logger := zaptest.NewLogger(t).Sugar()
	c, err := controller.New(simdrive.New(cfg, clock, logger), cfg.Calibration, logger)
	require.NoError(t, err)
	c.SetClock(clock)
	return c
}

func request(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPI(t *testing.T) {
	s := New(newSimulatedPump(t), zaptest.NewLogger(t).Sugar())
	r := s.Router()

	t.Run("NoRunYet", func(t *testing.T) {
		w := request(t, r, http.MethodGet, "/api/runs/latest", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Status", func(t *testing.T) {
		w := request(t, r, http.MethodGet, "/api/status", "")
		require.Equal(t, http.StatusOK, w.Code)

		var status Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.False(t, status.Busy)
		require.NotNil(t, status.Sensors)
		assert.InDelta(t, 12, status.Sensors.LinearPosition, 0.01)
	})

	t.Run("Home", func(t *testing.T) {
		w := request(t, r, http.MethodPost, "/api/home", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"iterations"`)
	})

	var runID string
	t.Run("Run", func(t *testing.T) {
		body := `{"mode": "position", "profile": {"times": [0, 0.5], "values": [0, 2]}}`
		w := request(t, r, http.MethodPost, "/api/run", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var result controller.RunResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, flowcal.ModePositionRamp, result.Mode)
		assert.Len(t, result.Times, flowcal.LogCapacity)
		assert.InDelta(t, 2, slices.Max(result.Positions), 1e-9)
		runID = result.ID
	})

	t.Run("Latest", func(t *testing.T) {
		w := request(t, r, http.MethodGet, "/api/runs/latest", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), runID)

		w = request(t, r, http.MethodGet, "/api/status", "")
		assert.Contains(t, w.Body.String(), fmt.Sprintf(`"last_run":%q`, runID))
	})

	t.Run("Stop", func(t *testing.T) {
		w := request(t, r, http.MethodPost, "/api/stop", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRunErrors(t *testing.T) {
	s := New(newSimulatedPump(t), zaptest.NewLogger(t).Sugar())
	r := s.Router()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"InvalidJSON", `{"mode":`, http.StatusBadRequest},
		{"MissingMode", `{"profile": {"times": [0], "values": [0]}}`, http.StatusBadRequest},
		{"UnknownMode", `{"mode": "Beep", "profile": {"times": [0], "values": [0]}}`, http.StatusBadRequest},
		{"EmptyProfile", `{"mode": "speed", "profile": {}}`, http.StatusBadRequest},
		{"LengthMismatch", `{"mode": "flow", "profile": {"times": [0, 1], "values": [0]}}`, http.StatusBadRequest},
		{"NonIncreasing", `{"mode": "position", "profile": {"times": [1, 0], "values": [0, 1]}}`, http.StatusBadRequest},
		{"NegativeStart", `{"mode": "position", "profile": {"times": [-1, 0], "values": [0, 1]}}`, http.StatusBadRequest},
		{"BeyondTravel", `{"mode": "position", "profile": {"times": [0, 0.1], "values": [0, 1e8]}}`, http.StatusBadRequest},
		{"TooLongToLog", `{"mode": "position", "profile": {"times": [0, 1e7], "values": [0, 0]}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(t, r, http.MethodPost, "/api/run", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

// blockingPump holds RunSequence until release is closed
type blockingPump struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPump) RunSequence(flowcal.Profile, flowcal.Mode) (*controller.RunResult, error) {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return &controller.RunResult{ID: "blocked"}, nil
}

func (p *blockingPump) RunFlow(profile flowcal.Profile) (*controller.RunResult, error) {
	return p.RunSequence(profile, flowcal.ModeSpeedRamp)
}

func (p *blockingPump) Home() (int, error) {
	return 1, nil
}

func (p *blockingPump) Stop() error {
	return nil
}

func (p *blockingPump) ReadSensors() (controller.Sensors, error) {
	return controller.Sensors{}, errors.New("should not be called while busy")
}

func TestBusy(t *testing.T) {
	pump := &blockingPump{started: make(chan struct{}), release: make(chan struct{})}
	s := New(pump, nil)
	r := s.Router()

	body := `{"mode": "speed", "profile": {"times": [0], "values": [1]}}`
	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- request(t, r, http.MethodPost, "/api/run", body)
	}()
	<-pump.started

	w := request(t, r, http.MethodPost, "/api/run", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = request(t, r, http.MethodPost, "/api/home", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = request(t, r, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"busy":true`)

	w = request(t, r, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	close(pump.release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)

	w = request(t, r, http.MethodPost, "/api/home", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{flowcal.ErrEmptyProfile, http.StatusBadRequest},
		{&flowcal.ModeError{Input: "x"}, http.StatusBadRequest},
		{fmt.Errorf("%w: times[1] = NaN", flowcal.ErrInvalidValue), http.StatusBadRequest},
		{fmt.Errorf("values[1]: %w: 1e+08", flowcal.ErrTargetOutOfRange), http.StatusBadRequest},
		{fmt.Errorf("%w: 70000.0 s", flowcal.ErrProfileTooLong), http.StatusBadRequest},
		{&flowcal.RangeError{Position: 100}, http.StatusUnprocessableEntity},
		{&flowcal.DeviceError{Step: flowcal.StepPlayback, Err: errors.New("timeout")}, http.StatusBadGateway},
		{fmt.Errorf("%w: 5 iterations", flowcal.ErrHomingTimeout), http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, statusFor(tt.err))
		})
	}
}
