package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"mailstate/internal/docstore"
)

// HealthResponse is the payload for the basic health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// StoreHealthResponse is the payload for the store health check
type StoreHealthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

// HealthHandler handles basic health check requests
func HealthHandler(version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		response := HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC(),
			Version:   version,
		}

		return c.JSON(http.StatusOK, response)
	}
}

// StoreHealthHandler verifies the conversation store answers reads
func StoreHealthHandler(store docstore.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		response := StoreHealthResponse{
			Status:    "unknown",
			Timestamp: time.Now().UTC(),
		}

		if store == nil {
			response.Status = "unhealthy"
			response.Error = "Conversation store not initialized"
			return c.JSON(http.StatusServiceUnavailable, response)
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		// A read for a key that cannot exist exercises the full read path.
		_, err := store.Get(ctx, "healthcheck-probe")
		response.Latency = time.Since(start)

		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			response.Status = "unhealthy"
			response.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, response)
		}

		response.Status = "healthy"
		response.Connected = true
		return c.JSON(http.StatusOK, response)
	}
}

// RootHandler handles requests to the root endpoint
func RootHandler(version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"service": "Mailstate API",
			"version": version,
			"status":  "running",
		})
	}
}
