package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
)

// dockerAPI is the subset of *client.Client used here.
type dockerAPI interface {
	ServiceList(ctx context.Context, options types.ServiceListOptions) ([]swarm.Service, error)
	ServiceLogs(ctx context.Context, serviceID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// SwarmConfig selects the Docker daemon. Empty Host uses DOCKER_HOST or the local socket.
type SwarmConfig struct {
	Host    string
	TLSCA   string
	TLSCert string
	TLSKey  string
}

// SwarmBackend implements Backend over the Docker Engine API of a swarm manager.
type SwarmBackend struct {
	cli dockerAPI
}

// NewSwarmBackend builds a pooled Docker client. The daemon is not contacted until the
// first query.
func NewSwarmBackend(cfg SwarmConfig) (*SwarmBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.TLSCA != "" || cfg.TLSCert != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   cfg.TLSCA,
			CertFile: cfg.TLSCert,
			KeyFile:  cfg.TLSKey,
		})
		if err != nil {
			return nil, fmt.Errorf("docker tls config: %w", err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &SwarmBackend{cli: cli}, nil
}

func (s *SwarmBackend) Close() error { return s.cli.Close() }

func (s *SwarmBackend) ListServices(ctx context.Context) ([]ServiceTopology, error) {
	services, err := s.cli.ServiceList(ctx, types.ServiceListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	out := make([]ServiceTopology, 0, len(services))
	for _, svc := range services {
		out = append(out, topologyOf(svc))
	}
	return out, nil
}

func topologyOf(svc swarm.Service) ServiceTopology {
	t := ServiceTopology{ID: svc.ID, Name: svc.Spec.Name, Replicas: -1}
	if cs := svc.Spec.TaskTemplate.ContainerSpec; cs != nil {
		t.Image = cs.Image
	}
	mode := svc.Spec.Mode
	switch {
	case mode.Replicated != nil:
		t.Replicas = 0
		if mode.Replicated.Replicas != nil {
			t.Replicas = int64(*mode.Replicated.Replicas)
		}
	case mode.ReplicatedJob != nil:
		t.Replicas = 0
		if mode.ReplicatedJob.MaxConcurrent != nil {
			t.Replicas = int64(*mode.ReplicatedJob.MaxConcurrent)
		}
	}
	return t
}

// resolve finds the service whose name is exactly name. The daemon's name filter also
// matches prefixes, so the result is narrowed here.
func (s *SwarmBackend) resolve(ctx context.Context, name string) (swarm.Service, error) {
	services, err := s.cli.ServiceList(ctx, types.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return swarm.Service{}, fmt.Errorf("list services: %w", err)
	}
	for _, svc := range services {
		if svc.Spec.Name == name {
			return svc, nil
		}
	}
	return swarm.Service{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
}

func (s *SwarmBackend) FetchServiceLogs(ctx context.Context, name string, tail int) ([]string, error) {
	svc, err := s.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	rc, err := s.cli.ServiceLogs(ctx, svc.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, fmt.Errorf("service logs %s: %w", name, err)
	}
	defer rc.Close()

	tty := false
	if cs := svc.Spec.TaskTemplate.ContainerSpec; cs != nil {
		tty = cs.TTY
	}
	lines, err := DecodeLogStream(rc, tty)
	if err != nil {
		return nil, fmt.Errorf("read logs %s: %w", name, err)
	}
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}
