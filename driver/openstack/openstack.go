// Package openstack controls the power state of Nova servers through the
// OpenStack compute API. This is the out-of-band chassis-controller style
// backend: commands go to the cloud control plane, never to the guest.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gophercloud/gophercloud"
	gopherstack "github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/driver/converge"
	"github.com/gammadia/forge/errdefs"
)

type Config struct {
	Engine converge.Engine
	Logger *slog.Logger

	// Client overrides the compute client, for tests. When nil, one is
	// authenticated from the standard OS_* environment.
	Client *gophercloud.ServiceClient
}

// New builds the openstack driver bundle (Power capability only).
func New(config Config) (*driver.Driver, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Client == nil {
		opts, err := gopherstack.AuthOptionsFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to get auth options from env: %w", err)
		}
		provider, err := gopherstack.AuthenticatedClient(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to get authenticated client: %w", err)
		}
		config.Client, err = gopherstack.NewComputeV2(provider, gophercloud.EndpointOpts{
			Region: os.Getenv("OS_REGION_NAME"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get compute client: %w", err)
		}
	}
	return &driver.Driver{
		Name:  "openstack",
		Power: &power{config: config},
	}, nil
}

var powerProperties = driver.Properties{
	Required: map[string]string{
		"os_server_id": "UUID of the Nova server backing this node",
	},
	Optional: map[string]string{},
}

type power struct {
	config Config
}

var _ driver.Power = (*power)(nil)

func (p *power) Properties() driver.Properties {
	return powerProperties
}

func (p *power) Validate(ctx context.Context, node driver.Node) error {
	_, err := powerProperties.ParseInfo(node)
	return err
}

func (p *power) PowerState(ctx context.Context, node driver.Node) (driver.PowerState, error) {
	info, err := powerProperties.ParseInfo(node)
	if err != nil {
		return driver.PowerError, err
	}
	return p.observe(node.UUID, info["os_server_id"])
}

func (p *power) observe(nodeUUID, serverID string) (driver.PowerState, error) {
	server, err := servers.Get(p.config.Client, serverID).Extract()
	if err != nil {
		return driver.PowerError, p.translate(nodeUUID, err)
	}
	switch server.Status {
	case "ACTIVE":
		return driver.PowerOn, nil
	case "SHUTOFF":
		return driver.PowerOff, nil
	case "REBOOT", "HARD_REBOOT":
		return driver.Rebooting, nil
	default:
		return driver.PowerError, nil
	}
}

// translate maps compute API failures into the shared taxonomy: a 404 means
// the server is gone, anything else means the control plane is unreachable
// and the whole operation should be retried later, not per attempt.
func (p *power) translate(nodeUUID string, err error) error {
	var notFound gophercloud.ErrDefault404
	if errors.As(err, &notFound) {
		return errdefs.NodeNotFound{Node: nodeUUID}
	}
	return errdefs.ServiceUnavailable{Reason: err.Error()}
}

// SetPowerState converges toward target using the compute start/stop
// actions. Unlike sshvirt, powering on an already-on server is a no-op: the
// first observation short-circuits before any command is issued.
func (p *power) SetPowerState(ctx context.Context, node driver.Node, target driver.PowerState) error {
	if target != driver.PowerOn && target != driver.PowerOff {
		return errdefs.NewInvalidParameterValue("'%s' is not a valid target power state", target)
	}
	info, err := powerProperties.ParseInfo(node)
	if err != nil {
		return err
	}
	serverID := info["os_server_id"]

	command := func() error { return startstop.Start(p.config.Client, serverID).ExtractErr() }
	if target == driver.PowerOff {
		command = func() error { return startstop.Stop(p.config.Client, serverID).ExtractErr() }
	}

	return p.converge(ctx, node.UUID, serverID, target, command)
}

// Reboot issues the native compute reboot action, a single idempotent reset
// command, and converges on the server coming back ACTIVE. No off-then-on
// pair: Nova already sequences the cycle server-side.
func (p *power) Reboot(ctx context.Context, node driver.Node) error {
	info, err := powerProperties.ParseInfo(node)
	if err != nil {
		return err
	}
	serverID := info["os_server_id"]

	return p.converge(ctx, node.UUID, serverID, driver.PowerOn, func() error {
		return servers.Reboot(p.config.Client, serverID, servers.RebootOpts{Type: servers.SoftReboot}).ExtractErr()
	})
}

func (p *power) converge(ctx context.Context, nodeUUID, serverID string, target driver.PowerState, command func() error) error {
	_, err := p.config.Engine.Converge(ctx, nodeUUID, target,
		func(ctx context.Context) (driver.PowerState, error) {
			return p.observe(nodeUUID, serverID)
		},
		func(ctx context.Context) error {
			if err := command(); err != nil {
				var notFound gophercloud.ErrDefault404
				if errors.As(err, &notFound) {
					return errdefs.NodeNotFound{Node: nodeUUID}
				}
				// Conflicts and transient API errors are absorbed by the
				// loop; the next observation decides.
				return fmt.Errorf("compute API call failed: %w", err)
			}
			return nil
		},
	)
	return err
}
