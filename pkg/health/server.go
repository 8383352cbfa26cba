// Package health reports component health for geotrackd
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/geotrack/geotrack/pkg/logx"
)

// Check probes one component. A nil error means healthy.
type Check func(ctx context.Context) error

// Checker aggregates component checks
type Checker struct {
	logger    *logx.Logger
	version   string
	startTime time.Time
	timeout   time.Duration

	mu        sync.Mutex
	checks    map[string]Check
	lastError *ErrorInfo
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Uptime     string               `json:"uptime"`
	Version    string               `json:"version"`
	Components map[string]Component `json:"components"`
	Memory     *MemoryInfo          `json:"memory,omitempty"`
	LastError  *ErrorInfo           `json:"last_error,omitempty"`
}

// Component represents the health of a component
type Component struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapAlloc uint64 `json:"heap_alloc_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
	Routines  int    `json:"goroutines"`
}

// ErrorInfo represents error information
type ErrorInfo struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
}

// NewChecker creates a checker with no components
func NewChecker(version string, logger *logx.Logger) *Checker {
	return &Checker{
		logger:    logger,
		version:   version,
		startTime: time.Now(),
		timeout:   3 * time.Second,
		checks:    make(map[string]Check),
	}
}

// Register adds or replaces a component check
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RecordError remembers the latest error for the detailed report
func (c *Checker) RecordError(component, errorType, message string) {
	c.mu.Lock()
	c.lastError = &ErrorInfo{
		Message:   message,
		Type:      errorType,
		Timestamp: time.Now(),
		Component: component,
	}
	c.mu.Unlock()

	c.logger.Error("Health error recorded", "type", errorType, "component", component, "message", message)
}

// Status runs every check. Any failing component makes the whole status
// unhealthy.
func (c *Checker) Status(ctx context.Context) HealthStatus {
	c.mu.Lock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks[name] = check
	}
	lastError := c.lastError
	c.mu.Unlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Version:    c.version,
		Components: make(map[string]Component, len(names)),
		LastError:  lastError,
	}

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := checks[name](cctx)
		cancel()

		comp := Component{Status: "healthy", Message: "operational", LastCheck: time.Now()}
		if err != nil {
			comp.Status = "unhealthy"
			comp.Message = err.Error()
			status.Status = "unhealthy"
		}
		status.Components[name] = comp
	}
	return status
}

// Routes mounts /, /detailed, /ready and /live on r
func (c *Checker) Routes(r chi.Router) {
	r.Get("/", c.healthHandler)
	r.Get("/detailed", c.detailedHealthHandler)
	r.Get("/ready", c.readyHandler)
	r.Get("/live", c.liveHandler)
}

// healthHandler provides basic health status
func (c *Checker) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := c.Status(r.Context())
	status.LastError = nil
	writeStatus(w, status)
}

// detailedHealthHandler adds memory and the last recorded error
func (c *Checker) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	status := c.Status(r.Context())
	status.Memory = memoryInfo()
	writeStatus(w, status)
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// readyHandler provides readiness check
func (c *Checker) readyHandler(w http.ResponseWriter, r *http.Request) {
	status := c.Status(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
	}
}

// liveHandler provides liveness check
func (c *Checker) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func memoryInfo() *MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapAlloc: m.HeapAlloc,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
		Routines:  runtime.NumGoroutine(),
	}
}
