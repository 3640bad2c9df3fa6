package openstack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/driver/converge"
	"github.com/gammadia/forge/errdefs"
)

const serverID = "9aef3d2b-0000-4000-8000-000000000001"

// fakeNova is a minimal compute API: one server, status transitions applied
// synchronously on action requests.
type fakeNova struct {
	status string
	exists bool

	// actions logs the action requests received, as "start"/"stop"/"reboot".
	actions []string
}

func (n *fakeNova) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/"+serverID, func(w http.ResponseWriter, r *http.Request) {
		if !n.exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"server": map[string]any{"id": serverID, "status": n.status},
		})
	})
	mux.HandleFunc("/servers/"+serverID+"/action", func(w http.ResponseWriter, r *http.Request) {
		if !n.exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.Contains(string(body), "os-start"):
			n.actions = append(n.actions, "start")
			n.status = "ACTIVE"
		case strings.Contains(string(body), "os-stop"):
			n.actions = append(n.actions, "stop")
			n.status = "SHUTOFF"
		case strings.Contains(string(body), "reboot"):
			n.actions = append(n.actions, "reboot")
			n.status = "ACTIVE"
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func testDriver(t *testing.T, nova *fakeNova) *driver.Driver {
	t.Helper()
	api := httptest.NewServer(nova.handler())
	t.Cleanup(api.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(Config{
		Engine: converge.New(converge.Config{
			MaxRetries: 3,
			Interval:   time.Millisecond,
			Logger:     logger,
		}),
		Logger: logger,
		Client: &gophercloud.ServiceClient{
			ProviderClient: &gophercloud.ProviderClient{},
			Endpoint:       api.URL + "/",
		},
	})
	require.NoError(t, err)
	return d
}

func testNode() driver.Node {
	return driver.Node{
		UUID:       "node-1",
		DriverInfo: map[string]string{"os_server_id": serverID},
	}
}

func TestValidate(t *testing.T) {
	d := testDriver(t, &fakeNova{exists: true, status: "ACTIVE"})

	require.NoError(t, d.Power.Validate(context.Background(), testNode()))

	err := d.Power.Validate(context.Background(), driver.Node{UUID: "node-1"})
	require.True(t, errdefs.IsInvalidParameterValue(err))
	assert.Contains(t, err.Error(), "os_server_id")
}

func TestPowerStateMapping(t *testing.T) {
	nova := &fakeNova{exists: true}
	d := testDriver(t, nova)
	ctx := context.Background()

	for status, expected := range map[string]driver.PowerState{
		"ACTIVE":      driver.PowerOn,
		"SHUTOFF":     driver.PowerOff,
		"REBOOT":      driver.Rebooting,
		"HARD_REBOOT": driver.Rebooting,
		"ERROR":       driver.PowerError,
		"BUILD":       driver.PowerError,
	} {
		nova.status = status
		state, err := d.Power.PowerState(ctx, testNode())
		require.NoError(t, err, status)
		assert.Equal(t, expected, state, fmt.Sprintf("status %s", status))
	}
}

func TestPowerStateMissingServer(t *testing.T) {
	d := testDriver(t, &fakeNova{exists: false})

	_, err := d.Power.PowerState(context.Background(), testNode())
	assert.True(t, errdefs.IsNodeNotFound(err))
}

func TestPowerOnOff(t *testing.T) {
	nova := &fakeNova{exists: true, status: "SHUTOFF"}
	d := testDriver(t, nova)
	ctx := context.Background()

	require.NoError(t, d.Power.SetPowerState(ctx, testNode(), driver.PowerOn))
	assert.Equal(t, []string{"start"}, nova.actions)

	require.NoError(t, d.Power.SetPowerState(ctx, testNode(), driver.PowerOff))
	assert.Equal(t, []string{"start", "stop"}, nova.actions)
}

func TestPowerOnWhileActiveIsNoop(t *testing.T) {
	nova := &fakeNova{exists: true, status: "ACTIVE"}
	d := testDriver(t, nova)

	require.NoError(t, d.Power.SetPowerState(context.Background(), testNode(), driver.PowerOn))
	assert.Empty(t, nova.actions, "an already-on server must not receive any action")
}

func TestSetPowerStateRejectsBadTarget(t *testing.T) {
	nova := &fakeNova{exists: true, status: "ACTIVE"}
	d := testDriver(t, nova)

	err := d.Power.SetPowerState(context.Background(), testNode(), driver.Rebooting)
	assert.True(t, errdefs.IsInvalidParameterValue(err))
	assert.Empty(t, nova.actions)
}

func TestReboot(t *testing.T) {
	nova := &fakeNova{exists: true, status: "SHUTOFF"}
	d := testDriver(t, nova)

	require.NoError(t, d.Power.Reboot(context.Background(), testNode()))
	assert.Equal(t, []string{"reboot"}, nova.actions)
	assert.Equal(t, "ACTIVE", nova.status)
}
