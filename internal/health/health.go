package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/w2nb/internal/metrics"
	"go.uber.org/zap"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]any     `json:"summary"`
}

// BridgeStats is what the checker needs from the bridge server.
type BridgeStats interface {
	ActiveConnections() int
	MaxConnections() int
	Sessions() int
	Applications() int
}

// HealthChecker reports the state of a bridge server.
type HealthChecker struct {
	stats     BridgeStats
	logger    *zap.Logger
	startTime time.Time
	version   string
}

func NewHealthChecker(stats BridgeStats, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		stats:     stats,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth performs a health check
func (h *HealthChecker) CheckHealth() *HealthResponse {
	start := time.Now()
	components := []*ComponentStatus{
		h.checkConnections(),
		h.checkBridge(),
		h.checkMemory(),
		h.checkSystemResources(),
	}

	return &HealthResponse{
		Status:     determineOverallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]any{
			"total_components":     len(components),
			"healthy_components":   countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(start).Milliseconds(),
		},
	}
}

// checkConnections compares open page connections against the cap.
func (h *HealthChecker) checkConnections() *ComponentStatus {
	status := &ComponentStatus{Name: "connections", Details: make(map[string]any)}

	count := h.stats.ActiveConnections()
	max := h.stats.MaxConnections()
	if max <= 0 {
		max = 1
	}
	utilization := float64(count) / float64(max) * 100
	status.Details["active_connections"] = count
	status.Details["max_connections"] = max
	status.Details["connection_utilization_percent"] = utilization

	switch {
	case count >= max:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Connection limit reached: %d/%d", count, max)
	case utilization > 90:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("High connection utilization: %d/%d (%.1f%%)", count, max, utilization)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Connection count normal: %d/%d (%.1f%%)", count, max, utilization)
	}
	return status
}

// checkBridge reports native sessions and relay throughput.
func (h *HealthChecker) checkBridge() *ComponentStatus {
	status := &ComponentStatus{
		Name:   "bridge",
		Status: StatusHealthy,
		Details: map[string]any{
			"sessions":          h.stats.Sessions(),
			"applications":      h.stats.Applications(),
			"envelopes_relayed": metrics.GetEnvelopesRelayedCount(),
			"envelopes_per_sec": metrics.GetEnvelopesPerSecond(),
		},
	}
	if h.stats.Applications() == 0 {
		status.Status = StatusDegraded
		status.Message = "No native applications configured"
		return status
	}
	status.Message = fmt.Sprintf("%d native sessions", h.stats.Sessions())
	return status
}

func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{Name: "memory", Details: make(map[string]any)}

	allocMB := float64(m.Alloc) / 1024 / 1024
	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["heap_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC

	const (
		memoryWarningMB  = 500
		memoryCriticalMB = 1000
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutines := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name:    "system",
		Details: map[string]any{"goroutines": goroutines, "cpus": runtime.NumCPU()},
	}

	const (
		goroutineWarning  = 5000
		goroutineCritical = 20000
	)

	switch {
	case goroutines > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	case goroutines > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutines)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutines)
	}
	return status
}

func determineOverallStatus(components []*ComponentStatus) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth serves the health report. Unhealthy answers 503.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := h.CheckHealth()
	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
