package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
)

// Manager manages multiple health checks and provides aggregated results.
type Manager struct {
	logger           *zap.Logger
	checkers         map[string]Checker
	cache            map[string]*cachedResult
	cacheMutex       sync.RWMutex
	cacheDuration    time.Duration
	checkTimeout     time.Duration
	serverChecker    *ServerChecker
	readinessChecker *ReadinessChecker
	dependencies     []Checker
	metrics          *metrics.Metrics
}

type cachedResult struct {
	result    CheckResult
	expiresAt time.Time
}

// NewManager creates a new health check manager.
func NewManager(logger *zap.Logger, cacheDuration, checkTimeout time.Duration) *Manager {
	return &Manager{
		logger:        logger,
		checkers:      make(map[string]Checker),
		cache:         make(map[string]*cachedResult),
		cacheDuration: cacheDuration,
		checkTimeout:  checkTimeout,
	}
}

// SetMetrics records the outcome of every check that is run rather than
// served from the cache.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// RegisterChecker registers a new health checker. Checkers must be
// registered before the probes are served.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers[checker.Name()] = checker

	switch c := checker.(type) {
	case *ServerChecker:
		m.serverChecker = c
	case *ReadinessChecker:
		m.readinessChecker = c
	}
}

// RegisterDependency registers a checker that must pass for the service
// to report ready, such as the lock ref store.
func (m *Manager) RegisterDependency(checker Checker) {
	m.RegisterChecker(checker)
	m.dependencies = append(m.dependencies, checker)
}

// SetServersRunning marks the servers as running.
func (m *Manager) SetServersRunning(running bool) {
	if m.serverChecker != nil {
		m.serverChecker.SetRunning(running)
	}
	if m.readinessChecker != nil {
		m.readinessChecker.SetRunning(running)
	}
}

// SetShuttingDown marks the service as shutting down.
func (m *Manager) SetShuttingDown(shutDown bool) {
	if m.readinessChecker != nil {
		m.readinessChecker.SetShuttingDown(shutDown)
	}
}

// CheckAll runs all registered health checks concurrently.
func (m *Manager) CheckAll(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(m.checkers))
	resultChan := make(chan CheckResult, len(m.checkers))

	var wg sync.WaitGroup

	for _, checker := range m.checkers {
		wg.Add(1)

		// Run each check in a goroutine
		go func(c Checker) {
			defer wg.Done()
			resultChan <- m.runCheck(ctx, c)
		}(checker)
	}

	// Wait for all checks to complete
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Collect results
	for result := range resultChan {
		results = append(results, result)
	}

	return results
}

// runCheck runs a single health check with timeout and caching.
func (m *Manager) runCheck(ctx context.Context, checker Checker) CheckResult {
	name := checker.Name()

	// Check cache first
	if cached := m.getCachedResult(name); cached != nil {
		return *cached
	}

	// Create context with timeout
	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	start := time.Now()
	result := checker.Check(checkCtx)
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	m.cacheResult(name, result)
	m.record(result)

	return result
}

func (m *Manager) record(result CheckResult) {
	if m.metrics == nil {
		return
	}

	m.metrics.HealthCheckDurationSeconds.WithLabelValues(result.Name).Observe(result.Duration.Seconds())
	if result.Status == StatusOK {
		m.metrics.HealthCheckStatus.WithLabelValues(result.Name, "ok").Set(1)
		m.metrics.HealthCheckStatus.WithLabelValues(result.Name, "error").Set(0)
		m.metrics.HealthCheckLastSuccessTimestamp.WithLabelValues(result.Name).Set(float64(result.Timestamp.Unix()))
		return
	}

	m.metrics.HealthCheckStatus.WithLabelValues(result.Name, "ok").Set(0)
	m.metrics.HealthCheckStatus.WithLabelValues(result.Name, "error").Set(1)
	m.metrics.HealthCheckFailuresTotal.WithLabelValues(result.Name).Inc()
	m.logger.Debug("Health check not ok",
		zap.String("check", result.Name),
		zap.String("status", string(result.Status)),
		zap.String("message", result.Message),
	)
}

// getCachedResult returns a cached result if it exists and hasn't expired.
func (m *Manager) getCachedResult(name string) *CheckResult {
	m.cacheMutex.RLock()
	defer m.cacheMutex.RUnlock()

	if cached, ok := m.cache[name]; ok {
		if time.Now().Before(cached.expiresAt) {
			return &cached.result
		}
	}

	return nil
}

// cacheResult caches a check result.
func (m *Manager) cacheResult(name string, result CheckResult) {
	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	m.cache[name] = &cachedResult{
		result:    result,
		expiresAt: time.Now().Add(m.cacheDuration),
	}
}

// GetStartupStatus returns the startup status of the service. Any error
// wins over starting, which wins over ok.
func (m *Manager) GetStartupStatus(ctx context.Context) StartupResponse {
	response := StartupResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult),
	}

	for _, result := range m.CheckAll(ctx) {
		response.Checks[result.Name] = result
		switch {
		case result.Status == StatusError:
			response.Status = StatusError
		case result.Status != StatusOK && response.Status == StatusOK:
			response.Status = StatusStarting
		}
	}

	return response
}

// GetLivenessStatus returns the liveness status of the service.
// Liveness is minimal - just confirms the goroutine is alive.
func (m *Manager) GetLivenessStatus() LivenessResponse {
	return LivenessResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
	}
}

// GetReadinessStatus returns the readiness status of the service. The
// service is ready once the servers are running and every registered
// dependency passes.
func (m *Manager) GetReadinessStatus(ctx context.Context) ReadinessResponse {
	result := CheckResult{
		Name:      "readiness",
		Status:    StatusOK,
		Timestamp: time.Now(),
	}
	if m.readinessChecker != nil {
		result = m.runCheck(ctx, m.readinessChecker)
	}

	response := ReadinessResponse{
		Status:    result.Status,
		Timestamp: result.Timestamp,
	}
	if result.Status != StatusOK {
		return response
	}

	for _, dep := range m.dependencies {
		if r := m.runCheck(ctx, dep); r.Status != StatusOK {
			response.Status = StatusNotReady
			response.Failed = append(response.Failed, r.Name)
		}
	}
	response.Ready = response.Status == StatusOK

	return response
}
