package server

import (
	"context"
	"net/http"
	"time"

	"quickdrop/internal/blobstore"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

const probeTimeout = 5 * time.Second

// Health represents the complete health check response
type Health struct {
	Status        HealthStatus               `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version,omitempty"`
	Commit        string                     `json:"commit,omitempty"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// StorageDetails provides additional storage health information
type StorageDetails struct {
	AvailableBytes int64   `json:"available_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	TotalBytes     int64   `json:"total_bytes"`
	PercentageUsed float64 `json:"percentage_used"`
}

// HandleHealth serves GET /health. Degraded still answers 200.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, statusCode, health)
}

// HandleReady serves GET /readyz: the store and the journal must answer.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if p, ok := s.store.(blobstore.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": "storage unavailable"})
			return
		}
	}
	if s.journal != nil {
		if err := s.journal.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": "journal unavailable"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// HandleLive serves GET /livez.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	now := s.now()
	health := Health{
		Timestamp:     now.UTC(),
		Version:       s.build.Version,
		Commit:        s.build.Commit,
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
		Components:    make(map[string]ComponentHealth),
	}

	if s.store != nil {
		health.Components["storage"] = s.checkStorageHealth(ctx)
	}
	if s.journal != nil {
		health.Components["journal"] = s.checkJournalHealth(ctx)
	}
	if s.breaker != nil {
		health.Components["circuit_breaker"] = s.checkBreakerHealth()
	}
	health.Components["lifecycle"] = ComponentHealth{
		Status:  ComponentStatusUp,
		Details: s.lc.Stats(),
	}

	health.Status = determineOverallHealth(health.Components)
	return health
}

func (s *Server) checkStorageHealth(ctx context.Context) ComponentHealth {
	ch := ComponentHealth{Status: ComponentStatusUp, Message: "storage healthy"}

	if p, ok := s.store.(blobstore.Pinger); ok {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		start := s.now()
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{
				Status:  ComponentStatusDown,
				Message: "storage ping failed: " + err.Error(),
			}
		}
		latency := s.now().Sub(start).Milliseconds()
		ch.LatencyMs = float64(latency)
		if latency > 2000 {
			ch.Status = ComponentStatusDegraded
			ch.Message = "storage latency high"
		}
	}

	u, ok := s.store.(blobstore.Usager)
	if !ok {
		return ch
	}
	used, capacity := u.Usage()
	if capacity <= 0 {
		return ch
	}
	percentageUsed := float64(used) / float64(capacity) * 100
	ch.Details = StorageDetails{
		AvailableBytes: capacity - used,
		UsedBytes:      used,
		TotalBytes:     capacity,
		PercentageUsed: percentageUsed,
	}
	if percentageUsed > 90 {
		ch.Status = ComponentStatusDegraded
		ch.Message = "storage critically low"
	} else if percentageUsed > 80 {
		ch.Status = ComponentStatusDegraded
		ch.Message = "storage running low"
	}
	return ch
}

func (s *Server) checkJournalHealth(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := s.now()
	if err := s.journal.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "journal ping failed: " + err.Error(),
		}
	}
	latency := s.now().Sub(start).Milliseconds()

	status := ComponentStatusUp
	message := "journal healthy"
	if latency > 1000 {
		status = ComponentStatusDegraded
		message = "journal latency high"
	}
	return ComponentHealth{Status: status, Message: message, LatencyMs: float64(latency)}
}

func (s *Server) checkBreakerHealth() ComponentHealth {
	stats := s.breaker.Stats()
	switch s.breaker.State() {
	case blobstore.StateOpen:
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "storage circuit open", Details: stats}
	case blobstore.StateHalfOpen:
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "storage circuit probing", Details: stats}
	default:
		return ComponentHealth{Status: ComponentStatusUp, Details: stats}
	}
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int
	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
