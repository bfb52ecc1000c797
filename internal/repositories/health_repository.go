package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/orders/internal/domain"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// HealthRepository checks the stores and brokers the service depends on.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// DependencyCheck is one readiness check. A failing Critical check (the order store)
// puts the whole report in error; any other failure (publisher, secrets) only degrades it.
type DependencyCheck struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(context.Context) error
}

type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyTimeout sets the timeout for checks that do not carry their own.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository validates the check set up front; every check needs a
// unique name and a function.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	seen := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		name := strings.TrimSpace(check.Name)
		if name == "" {
			return nil, errors.New("health repository: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("health repository: dependency %s missing check function", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health repository: duplicate dependency %s", name)
		}
		seen[name] = struct{}{}
	}

	repo := &dependencyHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultDependencyTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Collect runs every check concurrently, each under its own timeout.
func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	var (
		mu      sync.Mutex
		results = make(map[string]domain.SystemHealthCheck, len(r.checks))
		status  = domain.HealthStatusOK
		g       errgroup.Group
	)
	for _, check := range r.checks {
		g.Go(func() error {
			result := r.run(ctx, check)

			mu.Lock()
			defer mu.Unlock()
			results[strings.TrimSpace(check.Name)] = result
			switch {
			case result.Status == domain.HealthStatusError:
				status = domain.HealthStatusError
			case result.Status == domain.HealthStatusDegraded && status == domain.HealthStatusOK:
				status = domain.HealthStatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()

	return domain.SystemHealthReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *dependencyHealthRepository) run(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(checkCtx)
	end := r.now()
	if err == nil {
		// A check that ignores its context can return nil after the deadline.
		err = checkCtx.Err()
	}

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if err == nil {
		return result
	}

	result.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Detail = "cancelled"
	default:
		result.Detail = err.Error()
	}
	result.Status = domain.HealthStatusDegraded
	if check.Critical {
		result.Status = domain.HealthStatusError
	}
	return result
}
