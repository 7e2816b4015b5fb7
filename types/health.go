package types

import (
	"context"
	"time"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// HealthChecker probes one dependency. Checkers run concurrently and may
// be cancelled through ctx; a checker that panics counts as unhealthy.
type HealthChecker func(ctx context.Context) HealthCheck

type HealthManager interface {
	LifecycleManager
	RegisterChecker(name string, checker HealthChecker)
	Check(ctx context.Context) HealthReport
}

type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is the aggregated snapshot served on the health route.
type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    time.Duration          `json:"uptime"`
	Service   ServiceInfo            `json:"service"`
	Checks    map[string]HealthCheck `json:"checks"`
	Summary   HealthSummary          `json:"summary"`
}

type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// Observe counts one check result into the summary.
func (s *HealthSummary) Observe(status HealthStatus) {
	s.Total++

	switch status {
	case StatusHealthy:
		s.Healthy++
	case StatusUnhealthy:
		s.Unhealthy++
	default:
		s.Unknown++
	}
}

// Overall derives the report status from the counted results. Any
// unhealthy check degrades the whole report; unknown results only
// downgrade a report that would otherwise be healthy.
func (s HealthSummary) Overall() HealthStatus {
	switch {
	case s.Unhealthy > 0:
		return StatusUnhealthy
	case s.Unknown > 0:
		return StatusUnknown
	default:
		return StatusHealthy
	}
}
