package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const defaultReadinessTimeout = 3 * time.Second

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	build   BuildInfo
	checks  repositories.HealthRepository
	clock   func() time.Time
	timeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthChecks sets the dependency checks evaluated by /readyz.
func WithHealthChecks(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.checks = repo
	}
}

// WithHealthClock injects a clock for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers. Without checks /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:   time.Now,
		timeout: defaultReadinessTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type readinessCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzResponse struct {
	Status      string                           `json:"status"`
	Checks      map[string]readinessCheckPayload `json:"checks"`
	Details     []string                         `json:"details,omitempty"`
	GeneratedAt string                           `json:"generatedAt"`
}

// Healthz reports that the process is up.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz checks dependencies and answers 503 unless every check is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	if h.checks == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{
			Status:      domain.HealthStatusOK,
			Checks:      map[string]readinessCheckPayload{},
			GeneratedAt: now.Format(time.RFC3339),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.checks.Collect(ctx)
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:      domain.HealthStatusError,
			Checks:      map[string]readinessCheckPayload{},
			Details:     []string{err.Error()},
			GeneratedAt: now.Format(time.RFC3339),
		})
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Checks:      make(map[string]readinessCheckPayload, len(report.Checks)),
		GeneratedAt: formatTime(report.GeneratedAt),
	}
	if resp.GeneratedAt == "" {
		resp.GeneratedAt = now.Format(time.RFC3339)
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		resp.Checks[name] = readinessCheckPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status != domain.HealthStatusOK {
			reason := strings.TrimSpace(check.Error)
			if reason == "" {
				reason = check.Status
			}
			resp.Details = append(resp.Details, fmt.Sprintf("%s: %s", name, reason))
		}
	}
	if strings.TrimSpace(resp.Status) == "" {
		resp.Status = domain.HealthStatusOK
		if len(resp.Details) > 0 {
			resp.Status = domain.HealthStatusDegraded
		}
	}

	status := http.StatusOK
	if resp.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}
