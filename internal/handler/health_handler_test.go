package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serveHealth(h *HealthHandler, path string, fn gin.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)
	fn(c)
	return w
}

func TestHealthHandler_Live(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	w := serveHealth(h, "/health/live", h.Live)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestHealthHandler_Ready_NotReady(t *testing.T) {
	h := NewHealthHandler(func() bool { return true }, nil)
	w := serveHealth(h, "/health/ready", h.Ready)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "service initializing")
}

func TestHealthHandler_Ready(t *testing.T) {
	available := false
	redisErr := error(nil)
	h := NewHealthHandler(func() bool { return available }, map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return redisErr }),
	})
	h.SetReady(true)

	w := serveHealth(h, "/health/ready", h.Ready)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no endpoint available")

	available = true
	w = serveHealth(h, "/health/ready", h.Ready)
	assert.Equal(t, http.StatusOK, w.Code)

	redisErr = errors.New("connection refused")
	w = serveHealth(h, "/health/ready", h.Ready)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
