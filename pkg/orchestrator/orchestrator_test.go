package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodesense/pkg/apierr"
)

type fakeDocker struct {
	services []swarm.Service
	listErr  error
	logs     []byte
	gotOpts  container.LogsOptions
	gotID    string
}

func (f *fakeDocker) ServiceList(_ context.Context, opts types.ServiceListOptions) ([]swarm.Service, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := opts.Filters.Get("name")
	if len(names) == 0 {
		return f.services, nil
	}
	var out []swarm.Service
	for _, s := range f.services {
		// Mimic the daemon's prefix matching.
		if len(s.Spec.Name) >= len(names[0]) && s.Spec.Name[:len(names[0])] == names[0] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeDocker) ServiceLogs(_ context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	f.gotID, f.gotOpts = id, opts
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) Close() error { return nil }

func uint64p(v uint64) *uint64 { return &v }

func service(id, name, image string, mode swarm.ServiceMode) swarm.Service {
	s := swarm.Service{ID: id}
	s.Spec.Name = name
	s.Spec.Mode = mode
	s.Spec.TaskTemplate.ContainerSpec = &swarm.ContainerSpec{Image: image}
	return s
}

func muxed(t *testing.T, frames ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	out := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	errw := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	for _, f := range frames {
		w := out
		if f[0] == "err" {
			w = errw
		}
		_, err := w.Write([]byte(f[1]))
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func TestTopologyReplicasAndGlobal(t *testing.T) {
	fd := &fakeDocker{services: []swarm.Service{
		service("s1", "nodesense_collector", "collector:latest", swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: uint64p(3)}}),
		service("s2", "nodesense_agent", "agent:latest", swarm.ServiceMode{Global: &swarm.GlobalService{}}),
		service("s3", "nodesense_idle", "idle:latest", swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: uint64p(0)}}),
	}}
	in := NewIntrospector(&SwarmBackend{cli: fd}, time.Second)

	topo, err := in.ListTopology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ServiceTopology{
		{ID: "s1", Name: "nodesense_collector", Replicas: 3, Image: "collector:latest"},
		{ID: "s2", Name: "nodesense_agent", Replicas: -1, Image: "agent:latest"},
		{ID: "s3", Name: "nodesense_idle", Replicas: 0, Image: "idle:latest"},
	}, topo)
}

func TestTopologyEmptyIsNotNil(t *testing.T) {
	in := NewIntrospector(&SwarmBackend{cli: &fakeDocker{}}, time.Second)
	topo, err := in.ListTopology(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, topo)
	assert.Empty(t, topo)
}

func TestFetchLogsExactNameAndDecoding(t *testing.T) {
	fd := &fakeDocker{
		services: []swarm.Service{
			service("id-long", "nodesense_gateway_canary", "gw", swarm.ServiceMode{Global: &swarm.GlobalService{}}),
			service("id-gw", "nodesense_gateway", "gw", swarm.ServiceMode{Global: &swarm.GlobalService{}}),
		},
		logs: muxed(t,
			[2]string{"out", "2026-01-01T00:00:00.000000001Z started\r\n"},
			[2]string{"err", "2026-01-01T00:00:01.000000001Z warn \xff\xfe bytes\n\n"},
			[2]string{"out", "2026-01-01T00:00:02.000000001Z ready\n"},
		),
	}
	in := NewIntrospector(&SwarmBackend{cli: fd}, time.Second)

	logs, err := in.FetchLogs(context.Background(), "nodesense_gateway", 0)
	require.NoError(t, err)
	assert.Equal(t, "id-gw", fd.gotID)
	assert.Equal(t, "50", fd.gotOpts.Tail)
	assert.True(t, fd.gotOpts.ShowStdout)
	assert.True(t, fd.gotOpts.ShowStderr)
	assert.True(t, fd.gotOpts.Timestamps)
	assert.Equal(t, "nodesense_gateway", logs.Service)
	assert.Equal(t, []string{
		"2026-01-01T00:00:00.000000001Z started",
		"2026-01-01T00:00:01.000000001Z warn \uFFFD bytes",
		"2026-01-01T00:00:02.000000001Z ready",
	}, logs.Logs)
}

func TestFetchLogsTailBounds(t *testing.T) {
	fd := &fakeDocker{services: []swarm.Service{service("a", "svc", "img", swarm.ServiceMode{})}}
	in := NewIntrospector(&SwarmBackend{cli: fd}, time.Second)

	_, err := in.FetchLogs(context.Background(), "svc", 5000)
	require.NoError(t, err)
	assert.Equal(t, "1000", fd.gotOpts.Tail)

	_, err = in.FetchLogs(context.Background(), "svc", 7)
	require.NoError(t, err)
	assert.Equal(t, "7", fd.gotOpts.Tail)
}

func TestFetchLogsUnknownServiceIs404(t *testing.T) {
	fd := &fakeDocker{services: []swarm.Service{service("a", "nodesense_gateway_canary", "img", swarm.ServiceMode{})}}
	in := NewIntrospector(&SwarmBackend{cli: fd}, time.Second)

	_, err := in.FetchLogs(context.Background(), "nodesense_gateway", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.Equal(t, http.StatusNotFound, apierr.Status(err))
	assert.Equal(t, "Service 'nodesense_gateway' not found", apierr.As(err).Detail)
}

func TestOrchestratorFailuresAre503(t *testing.T) {
	fd := &fakeDocker{listErr: errors.New("Cannot connect to the Docker daemon")}
	in := NewIntrospector(&SwarmBackend{cli: fd}, time.Second)

	_, err := in.ListTopology(context.Background())
	assert.Equal(t, http.StatusServiceUnavailable, apierr.Status(err))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = in.FetchLogs(context.Background(), "x", 10)
	assert.Equal(t, http.StatusServiceUnavailable, apierr.Status(err))

	none := NewIntrospector(nil, time.Second)
	_, err = none.ListTopology(context.Background())
	assert.Equal(t, http.StatusServiceUnavailable, apierr.Status(err))
	_, err = none.FetchLogs(context.Background(), "x", 1)
	assert.Equal(t, http.StatusServiceUnavailable, apierr.Status(err))
}

func TestDecodeLogStreamTTY(t *testing.T) {
	lines, err := DecodeLogStream(bytes.NewReader([]byte("a\r\nb\n\nc")), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestDecodeLogStreamEmpty(t *testing.T) {
	lines, err := DecodeLogStream(bytes.NewReader(nil), false)
	require.NoError(t, err)
	assert.Equal(t, []string{}, lines)
}

func TestNewSwarmBackendFromHost(t *testing.T) {
	b, err := NewSwarmBackend(SwarmConfig{Host: "tcp://127.0.0.1:1"})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = b.ListServices(ctx)
	assert.Error(t, err)

	_, err = NewSwarmBackend(SwarmConfig{Host: "tcp://127.0.0.1:1", TLSCA: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
