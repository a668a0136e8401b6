// Package health runs the checks behind the startup, liveness and
// readiness probes.
package health

import (
	"context"
	"time"
)

// Status is the outcome of a check or probe.
type Status string

const (
	StatusOK       Status = "ok"
	StatusStarting Status = "starting"
	StatusNotReady Status = "not-ready"
	StatusError    Status = "error"
)

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Checker is a single named health check. Check must honour ctx, which
// carries the manager's check timeout.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// StartupResponse is served by the startup probe and lists every
// registered check.
type StartupResponse struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// LivenessResponse is served by the liveness probe.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is served by the readiness probe. Failed names the
// dependencies that kept the service from being ready.
type ReadinessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Ready     bool      `json:"ready"`
	Failed    []string  `json:"failed,omitempty"`
}
