package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency failed but the service keeps serving.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency (the order store) failed.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
