package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"bountyboard-backend/models"
)

// HealthCheck reports nil when a dependency is usable.
type HealthCheck func(ctx context.Context) error

// HealthService handles health check business logic
type HealthService struct {
	mu      sync.RWMutex
	started time.Time
	checks  map[string]HealthCheck
}

// NewHealthService creates a new health service
func NewHealthService() *HealthService {
	return &HealthService{
		started: time.Now(),
		checks:  make(map[string]HealthCheck),
	}
}

// Register adds a named dependency check.
func (s *HealthService) Register(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// GetHealthStatus runs every check and returns the aggregate status.
func (s *HealthService) GetHealthStatus(ctx context.Context) *models.HealthResponse {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		names = append(names, name)
		checks[name] = check
	}
	s.mu.RUnlock()
	sort.Strings(names)

	resp := &models.HealthResponse{
		Status:    "healthy",
		Message:   "bounty board backend up for " + time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]string, len(names)),
	}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	return resp
}
