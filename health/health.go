// Package health reports whether an endpoint is connected and consuming.
//
// Checks are grouped in a Registry and served over HTTP. The plain path
// answers liveness: only an unhealthy check fails it, so a process that is
// reconnecting is left alone. The "/ready" path answers readiness and fails
// on anything short of healthy.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Status of a single check or of the whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worst returns the most severe status, or healthy for none.
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		if s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// Result is the outcome of one check.
type Result struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
}

// Report is the outcome of every registered check, in registration order.
type Report struct {
	Status    Status         `json:"status"`
	CheckedAt time.Time      `json:"checked_at"`
	Checks    []Result       `json:"checks"`
	Info      map[string]any `json:"info,omitempty"`
}

// Result returns the named check, if present.
func (r Report) Result(name string) (Result, bool) {
	for _, res := range r.Checks {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

// Checker is a single health probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Registry holds checkers and static info shown in every report.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	info     map[string]any
}

func NewRegistry() *Registry {
	return &Registry{info: make(map[string]any)}
}

// Register adds c. A checker with the same name is replaced in place.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.checkers {
		if existing.Name() == c.Name() {
			r.checkers[i] = c
			return
		}
	}
	r.checkers = append(r.checkers, c)
}

// SetInfo attaches a static key to every report, such as the version.
func (r *Registry) SetInfo(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info[key] = value
}

// Check runs every checker concurrently. A checker that has not answered
// when ctx is done is reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	info := make(map[string]any, len(r.info))
	for k, v := range r.info {
		info[k] = v
	}
	r.mu.RUnlock()

	results := make([]Result, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Go(func() { results[i] = run(ctx, c) })
	}
	wg.Wait()

	statuses := make([]Status, len(results))
	for i, res := range results {
		statuses[i] = res.Status
	}

	return Report{
		Status:    Worst(statuses...),
		CheckedAt: time.Now().UTC(),
		Checks:    results,
		Info:      info,
	}
}

func run(ctx context.Context, c Checker) Result {
	start := time.Now()
	done := make(chan Result, 1)
	go func() { done <- c.Check(ctx) }()

	select {
	case res := <-done:
		res.Name = c.Name()
		if res.Elapsed == 0 {
			res.Elapsed = time.Since(start)
		}
		return res
	case <-ctx.Done():
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: "check timed out: " + ctx.Err().Error(),
			Elapsed: time.Since(start),
		}
	}
}

// Handler serves a Registry as JSON.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP answers 503 when the report fails the probe selected by the
// path: liveness by default, readiness under ".../ready".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	failing := report.Status == StatusUnhealthy
	if strings.HasSuffix(r.URL.Path, "/ready") {
		failing = report.Status != StatusHealthy
	}

	w.Header().Set("Content-Type", "application/json")
	if failing {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method == http.MethodHead {
		return
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}
