package models

import (
	"time"
)

// HealthStatus ranks component health, worst wins in the rollup.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthUnknown  HealthStatus = "unknown"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

var healthRank = map[HealthStatus]int{
	HealthHealthy:  0,
	HealthUnknown:  1,
	HealthDegraded: 2,
	HealthDown:     3,
}

// Rank orders statuses from healthy (0) to down (3); unrecognized values
// rank as unknown.
func (s HealthStatus) Rank() int {
	if rank, ok := healthRank[s]; ok {
		return rank
	}
	return healthRank[HealthUnknown]
}

// WorseThan reports whether s outranks other in severity.
func (s HealthStatus) WorseThan(other HealthStatus) bool {
	return s.Rank() > other.Rank()
}

// ComponentHealth is one probe result in the health rollup.
type ComponentHealth struct {
	Component string                 `json:"component"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	LatencyMs float64                `json:"latency_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthSummary is the aggregate view across all checked components.
type HealthSummary struct {
	Status     HealthStatus      `json:"status"`
	Notes      string            `json:"notes"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// WorstStatus folds component statuses into the overall rollup status.
func WorstStatus(components []ComponentHealth) HealthStatus {
	worst := HealthHealthy
	for _, component := range components {
		if component.Status.WorseThan(worst) {
			worst = component.Status
		}
	}
	return worst
}
