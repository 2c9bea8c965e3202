package health

import (
	"context"
	"fmt"
	"runtime"
)

// EndpointStatus is what an endpoint reports about itself
type EndpointStatus interface {
	// Consuming is true while a consumer is registered on a live connection
	Consuming() bool
	// StateName is the current supervisor state
	StateName() string
	// Queue is the queue being consumed
	Queue() string
}

// EndpointChecker maps the supervisor state onto a status: consuming is
// healthy, a stopped endpoint is unhealthy and anything in between is a
// reconnect in progress, reported as degraded.
type EndpointChecker struct {
	endpoint EndpointStatus
}

func NewEndpointChecker(endpoint EndpointStatus) *EndpointChecker {
	return &EndpointChecker{endpoint: endpoint}
}

// Name is "endpoint:<queue>"
func (c *EndpointChecker) Name() string {
	return "endpoint:" + c.endpoint.Queue()
}

func (c *EndpointChecker) Check(ctx context.Context) Result {
	state := c.endpoint.StateName()
	res := Result{Details: map[string]any{
		"queue": c.endpoint.Queue(),
		"state": state,
	}}

	switch {
	case c.endpoint.Consuming():
		res.Status, res.Message = StatusHealthy, "consuming"
	case state == "cancelled" || state == "terminated":
		res.Status, res.Message = StatusUnhealthy, "stopped ("+state+")"
	default:
		res.Status, res.Message = StatusDegraded, "reconnecting ("+state+")"
	}
	return res
}

// GoroutineChecker degrades when the process runs too many goroutines
type GoroutineChecker struct {
	warning  int
	critical int
}

func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "runtime"
}

func (c *GoroutineChecker) Check(ctx context.Context) Result {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()

	res := Result{
		Status: StatusHealthy,
		Details: map[string]any{
			"goroutines":     n,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}
	switch {
	case n > c.critical:
		res.Status, res.Message = StatusUnhealthy, fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warning:
		res.Status, res.Message = StatusDegraded, fmt.Sprintf("high goroutine count: %d", n)
	}
	return res
}
