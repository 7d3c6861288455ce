// Package orchestrator reads service topology and recent logs from the container
// orchestration layer. It never changes deployments.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nodesense/pkg/apierr"
)

const (
	DefaultTail = 50
	MaxTail     = 1000
)

var (
	// ErrServiceNotFound means no service carries the requested name.
	ErrServiceNotFound = errors.New("service not found")
	// ErrUnavailable means the orchestrator could not be queried (or is not configured).
	ErrUnavailable = errors.New("orchestrator unavailable")
)

// ServiceTopology is one service as reported by the orchestrator. Replicas is -1 for
// services scheduled in global mode.
type ServiceTopology struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Replicas int64  `json:"replicas"`
	Image    string `json:"image"`
}

// ServiceLogs is the tail of a service's combined output, one timestamped line per entry.
type ServiceLogs struct {
	Service string   `json:"service"`
	Logs    []string `json:"logs"`
}

// Backend is the capability the introspector needs from an orchestration platform.
type Backend interface {
	ListServices(ctx context.Context) ([]ServiceTopology, error)
	// FetchServiceLogs returns ErrServiceNotFound when name matches no service.
	FetchServiceLogs(ctx context.Context, name string, tail int) ([]string, error)
}

// Introspector answers the admin topology and log queries.
type Introspector struct {
	backend Backend
	timeout time.Duration
}

// NewIntrospector wraps backend. A nil backend makes every call report ErrUnavailable.
func NewIntrospector(backend Backend, timeout time.Duration) *Introspector {
	return &Introspector{backend: backend, timeout: timeout}
}

func (in *Introspector) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if in.timeout > 0 {
		return context.WithTimeout(ctx, in.timeout)
	}
	return context.WithCancel(ctx)
}

// ListTopology lists every service; nothing is cached between calls.
func (in *Introspector) ListTopology(ctx context.Context) ([]ServiceTopology, error) {
	if in.backend == nil {
		return nil, apierr.Unavailable("Orchestrator unavailable", ErrUnavailable)
	}
	ctx, cancel := in.ctx(ctx)
	defer cancel()
	services, err := in.backend.ListServices(ctx)
	if err != nil {
		return nil, apierr.Unavailable("Orchestrator unavailable", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	if services == nil {
		services = []ServiceTopology{}
	}
	return services, nil
}

// NormalizeTail maps a requested tail to [1, MaxTail]; non-positive means DefaultTail.
func NormalizeTail(tail int) int {
	switch {
	case tail <= 0:
		return DefaultTail
	case tail > MaxTail:
		return MaxTail
	default:
		return tail
	}
}

// FetchLogs returns up to tail recent lines of the named service.
func (in *Introspector) FetchLogs(ctx context.Context, name string, tail int) (*ServiceLogs, error) {
	if in.backend == nil {
		return nil, apierr.Unavailable("Orchestrator unavailable", ErrUnavailable)
	}
	ctx, cancel := in.ctx(ctx)
	defer cancel()
	lines, err := in.backend.FetchServiceLogs(ctx, name, NormalizeTail(tail))
	switch {
	case errors.Is(err, ErrServiceNotFound):
		return nil, apierr.NotFound(fmt.Sprintf("Service '%s' not found", name), err)
	case err != nil:
		return nil, apierr.Unavailable("Orchestrator unavailable", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	if lines == nil {
		lines = []string{}
	}
	return &ServiceLogs{Service: name, Logs: lines}, nil
}
