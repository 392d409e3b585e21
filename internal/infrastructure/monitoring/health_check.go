package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"peermesh/internal/core/domain"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type probe struct {
	name    string
	check   func(ctx context.Context) error
	timeout time.Duration
}

// HealthChecker runs named probes on demand. Probes run concurrently, each
// bounded by its own timeout.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []probe
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, check: check, timeout: timeout})
}

// AddRedisCheck pings the roster backend.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// IdentitySource reports the identity a session currently holds.
type IdentitySource interface {
	Identity() domain.LocalIdentity
}

// AddSessionCheck fails while the session holds no identity.
func (h *HealthChecker) AddSessionCheck(session IdentitySource, timeout time.Duration) {
	h.AddCheck("session", func(context.Context) error {
		if !session.Identity().Established() {
			return errors.New("not joined")
		}
		return nil
	}, timeout)
}

// CheckAll runs every probe. One failure marks the whole status unhealthy.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := append([]probe(nil), h.probes...)
	h.mu.RUnlock()

	results := make([]error, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = p.run(ctx)
		}(i, p)
	}
	wg.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(probes)),
	}
	for i, p := range probes {
		if err := results[i]; err != nil {
			status.Status = StatusUnhealthy
			status.Checks[p.name] = err.Error()
			continue
		}
		status.Checks[p.name] = StatusHealthy
	}
	return status
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

func (p probe) run(ctx context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.check(ctx)
}
