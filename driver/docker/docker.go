// Package docker controls the power state of containers through the Docker
// API. Like sshvirt, this is a dev and test backend: a container stands in
// for a machine, start/stop stand in for power commands.
package docker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/driver/converge"
	"github.com/gammadia/forge/errdefs"
)

// DockerClient abstracts the Docker SDK methods this driver uses, enabling
// mock-based testing without a real Docker daemon.
type DockerClient interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
}

type Config struct {
	Engine converge.Engine
	Logger *slog.Logger

	// Client overrides the Docker client, for tests. When nil, one is
	// built from the standard DOCKER_* environment.
	Client DockerClient
}

// New builds the docker driver bundle: Power plus a vendor passthru
// exposing container pause/unpause.
func New(config Config) (*driver.Driver, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Client == nil {
		docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to init docker client: %w", err)
		}
		config.Client = docker
	}
	return &driver.Driver{
		Name:           "docker",
		Power:          &power{config: config},
		VendorPassthru: &vendor{config: config},
	}, nil
}

var properties = driver.Properties{
	Required: map[string]string{
		"docker_container": "name or ID of the container backing this node",
	},
	Optional: map[string]string{},
}

func containerID(node driver.Node) (string, error) {
	info, err := properties.ParseInfo(node)
	if err != nil {
		return "", err
	}
	return info["docker_container"], nil
}

func translate(nodeUUID string, err error) error {
	if client.IsErrNotFound(err) {
		return errdefs.NodeNotFound{Node: nodeUUID}
	}
	return errdefs.ServiceUnavailable{Reason: err.Error()}
}

type power struct {
	config Config
}

var _ driver.Power = (*power)(nil)

func (p *power) Properties() driver.Properties {
	return properties
}

func (p *power) Validate(ctx context.Context, node driver.Node) error {
	_, err := properties.ParseInfo(node)
	return err
}

func (p *power) PowerState(ctx context.Context, node driver.Node) (driver.PowerState, error) {
	id, err := containerID(node)
	if err != nil {
		return driver.PowerError, err
	}
	return p.observe(ctx, node.UUID, id)
}

func (p *power) observe(ctx context.Context, nodeUUID, id string) (driver.PowerState, error) {
	inspect, err := p.config.Client.ContainerInspect(ctx, id)
	if err != nil {
		return driver.PowerError, translate(nodeUUID, err)
	}
	// A paused container still counts as powered on: the process exists,
	// it is just frozen. Pause is a vendor concern, not a power state.
	if inspect.State != nil && inspect.State.Running {
		return driver.PowerOn, nil
	}
	return driver.PowerOff, nil
}

func (p *power) SetPowerState(ctx context.Context, node driver.Node, target driver.PowerState) error {
	if target != driver.PowerOn && target != driver.PowerOff {
		return errdefs.NewInvalidParameterValue("'%s' is not a valid target power state", target)
	}
	id, err := containerID(node)
	if err != nil {
		return err
	}

	command := func(ctx context.Context) error {
		return p.config.Client.ContainerStart(ctx, id, container.StartOptions{})
	}
	if target == driver.PowerOff {
		command = func(ctx context.Context) error {
			return p.config.Client.ContainerStop(ctx, id, container.StopOptions{})
		}
	}

	return p.converge(ctx, node.UUID, id, target, command)
}

// Reboot maps to the native restart, a single reset command; the loop then
// converges on the container being up again.
func (p *power) Reboot(ctx context.Context, node driver.Node) error {
	id, err := containerID(node)
	if err != nil {
		return err
	}
	return p.converge(ctx, node.UUID, id, driver.PowerOn, func(ctx context.Context) error {
		return p.config.Client.ContainerRestart(ctx, id, container.StopOptions{})
	})
}

func (p *power) converge(ctx context.Context, nodeUUID, id string, target driver.PowerState, command func(ctx context.Context) error) error {
	_, err := p.config.Engine.Converge(ctx, nodeUUID, target,
		func(ctx context.Context) (driver.PowerState, error) {
			return p.observe(ctx, nodeUUID, id)
		},
		func(ctx context.Context) error {
			if err := command(ctx); err != nil {
				if client.IsErrNotFound(err) {
					return errdefs.NodeNotFound{Node: nodeUUID}
				}
				return fmt.Errorf("docker command failed: %w", err)
			}
			return nil
		},
	)
	return err
}

type vendor struct {
	config Config
}

var _ driver.VendorPassthru = (*vendor)(nil)

func (v *vendor) Properties() driver.Properties {
	return properties
}

func (v *vendor) Validate(ctx context.Context, node driver.Node) error {
	_, err := properties.ParseInfo(node)
	return err
}

func (v *vendor) Methods() map[string]driver.VendorMethod {
	return map[string]driver.VendorMethod{
		"pause":   v.pause,
		"unpause": v.unpause,
	}
}

func (v *vendor) pause(ctx context.Context, node driver.Node, args map[string]string) error {
	id, err := containerID(node)
	if err != nil {
		return err
	}
	if err := v.config.Client.ContainerPause(ctx, id); err != nil {
		return translate(node.UUID, err)
	}
	return nil
}

func (v *vendor) unpause(ctx context.Context, node driver.Node, args map[string]string) error {
	id, err := containerID(node)
	if err != nil {
		return err
	}
	if err := v.config.Client.ContainerUnpause(ctx, id); err != nil {
		return translate(node.UUID, err)
	}
	return nil
}
