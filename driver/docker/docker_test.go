package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/driver/converge"
	"github.com/gammadia/forge/errdefs"
)

// mockClient emulates the Docker daemon behind the DockerClient interface.
type mockClient struct {
	running bool
	paused  bool
	exists  bool

	// calls logs the mutating API calls, in order.
	calls []string
}

func (m *mockClient) notFound(id string) error {
	return fmt.Errorf("no such container '%s': %w", id, cerrdefs.ErrNotFound)
}

func (m *mockClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	if !m.exists {
		return container.InspectResponse{}, m.notFound(containerID)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Running: m.running, Paused: m.paused},
		},
	}, nil
}

func (m *mockClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	if !m.exists {
		return m.notFound(containerID)
	}
	m.calls = append(m.calls, "start")
	m.running = true
	return nil
}

func (m *mockClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	if !m.exists {
		return m.notFound(containerID)
	}
	m.calls = append(m.calls, "stop")
	m.running = false
	return nil
}

func (m *mockClient) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	if !m.exists {
		return m.notFound(containerID)
	}
	m.calls = append(m.calls, "restart")
	m.running = true
	return nil
}

func (m *mockClient) ContainerPause(ctx context.Context, containerID string) error {
	if !m.exists {
		return m.notFound(containerID)
	}
	m.calls = append(m.calls, "pause")
	m.paused = true
	return nil
}

func (m *mockClient) ContainerUnpause(ctx context.Context, containerID string) error {
	if !m.exists {
		return m.notFound(containerID)
	}
	m.calls = append(m.calls, "unpause")
	m.paused = false
	return nil
}

func testDriver(t *testing.T, mock *mockClient) *driver.Driver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(Config{
		Engine: converge.New(converge.Config{
			MaxRetries: 3,
			Interval:   time.Millisecond,
			Logger:     logger,
		}),
		Logger: logger,
		Client: mock,
	})
	require.NoError(t, err)
	return d
}

func testNode() driver.Node {
	return driver.Node{
		UUID:       "node-1",
		DriverInfo: map[string]string{"docker_container": "worker-1"},
	}
}

func TestValidateRequiresContainer(t *testing.T) {
	d := testDriver(t, &mockClient{exists: true})

	require.NoError(t, d.Power.Validate(context.Background(), testNode()))

	err := d.Power.Validate(context.Background(), driver.Node{UUID: "node-1"})
	require.True(t, errdefs.IsInvalidParameterValue(err))
	assert.Contains(t, err.Error(), "docker_container")
}

func TestPowerStateObservation(t *testing.T) {
	mock := &mockClient{exists: true, running: true}
	d := testDriver(t, mock)
	ctx := context.Background()

	state, err := d.Power.PowerState(ctx, testNode())
	require.NoError(t, err)
	assert.Equal(t, driver.PowerOn, state)

	// Paused still counts as powered on.
	mock.paused = true
	state, err = d.Power.PowerState(ctx, testNode())
	require.NoError(t, err)
	assert.Equal(t, driver.PowerOn, state)

	mock.running, mock.paused = false, false
	state, err = d.Power.PowerState(ctx, testNode())
	require.NoError(t, err)
	assert.Equal(t, driver.PowerOff, state)
}

func TestPowerStateMissingContainer(t *testing.T) {
	d := testDriver(t, &mockClient{exists: false})

	_, err := d.Power.PowerState(context.Background(), testNode())
	assert.True(t, errdefs.IsNodeNotFound(err))
}

func TestPowerOnOff(t *testing.T) {
	mock := &mockClient{exists: true, running: false}
	d := testDriver(t, mock)
	ctx := context.Background()

	require.NoError(t, d.Power.SetPowerState(ctx, testNode(), driver.PowerOn))
	assert.Equal(t, []string{"start"}, mock.calls)

	require.NoError(t, d.Power.SetPowerState(ctx, testNode(), driver.PowerOff))
	assert.Equal(t, []string{"start", "stop"}, mock.calls)

	// Already at target: the first observation short-circuits.
	require.NoError(t, d.Power.SetPowerState(ctx, testNode(), driver.PowerOff))
	assert.Equal(t, []string{"start", "stop"}, mock.calls)
}

func TestReboot(t *testing.T) {
	mock := &mockClient{exists: true, running: false}
	d := testDriver(t, mock)

	require.NoError(t, d.Power.Reboot(context.Background(), testNode()))
	assert.Equal(t, []string{"restart"}, mock.calls)
	assert.True(t, mock.running)
}

func TestVendorPauseUnpause(t *testing.T) {
	mock := &mockClient{exists: true, running: true}
	d := testDriver(t, mock)
	ctx := context.Background()

	require.NoError(t, driver.Dispatch(ctx, d, testNode(), "pause", nil))
	assert.True(t, mock.paused)
	require.NoError(t, driver.Dispatch(ctx, d, testNode(), "unpause", nil))
	assert.False(t, mock.paused)
	assert.Equal(t, []string{"pause", "unpause"}, mock.calls)

	err := driver.Dispatch(ctx, d, testNode(), "commit", nil)
	var unsupported errdefs.UnsupportedOperation
	assert.ErrorAs(t, err, &unsupported)
}

func TestVendorPauseMissingContainer(t *testing.T) {
	d := testDriver(t, &mockClient{exists: false})

	err := driver.Dispatch(context.Background(), d, testNode(), "pause", nil)
	assert.True(t, errdefs.IsNodeNotFound(err))
}
