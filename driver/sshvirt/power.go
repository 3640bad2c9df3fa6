package sshvirt

import (
	"context"
	"fmt"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/driver/converge"
	"github.com/gammadia/forge/errdefs"
)

type power struct {
	config Config
}

var _ driver.Power = (*power)(nil)

func (p *power) Properties() driver.Properties {
	return powerProperties
}

// Validate checks driver_info and that an SSH connection can actually be
// established, so a misconfigured node is caught before any power request.
func (p *power) Validate(ctx context.Context, node driver.Node) error {
	info, _, err := parseInfo(node)
	if err != nil {
		return err
	}

	runner, err := p.config.Dialer(ctx, info)
	if err != nil {
		return errdefs.NewInvalidParameterValue("SSH connection cannot be established: %v", err)
	}
	return runner.Close()
}

func (p *power) PowerState(ctx context.Context, node driver.Node) (driver.PowerState, error) {
	info, cs, err := parseInfo(node)
	if err != nil {
		return driver.PowerError, err
	}

	runner, err := p.config.Dialer(ctx, info)
	if err != nil {
		return driver.PowerError, err
	}
	defer runner.Close()

	return p.observe(ctx, runner, cs, info, node.UUID)
}

func (p *power) observe(ctx context.Context, runner Runner, cs commandSet, info map[string]string, nodeUUID string) (driver.PowerState, error) {
	vm := info["ssh_vm_name"]

	output, err := runner.Run(ctx, cs.render(cs.listRunning, info))
	if err != nil {
		return driver.PowerError, err
	}
	if cs.running(output, vm) {
		return driver.PowerOn, nil
	}

	// Not running: distinguish powered off from gone.
	output, err = runner.Run(ctx, cs.render(cs.listAll, info))
	if err != nil {
		return driver.PowerError, err
	}
	if !cs.known(output, vm) {
		p.config.Logger.Error("VM not found on hypervisor", "node", nodeUUID, "vm", vm, "host", info["ssh_address"])
		return driver.PowerError, errdefs.NodeNotFound{Node: nodeUUID}
	}
	return driver.PowerOff, nil
}

func (p *power) SetPowerState(ctx context.Context, node driver.Node, target driver.PowerState) error {
	if target != driver.PowerOn && target != driver.PowerOff {
		return errdefs.NewInvalidParameterValue("'%s' is not a valid target power state", target)
	}

	info, cs, err := parseInfo(node)
	if err != nil {
		return err
	}

	runner, err := p.config.Dialer(ctx, info)
	if err != nil {
		return err
	}
	defer runner.Close()

	// Deliberate: powering on a VM that is already running forces a full
	// power cycle instead of being a no-op. Callers that want a no-op must
	// observe first.
	if target == driver.PowerOn {
		current, err := p.observe(ctx, runner, cs, info, node.UUID)
		if err != nil {
			return err
		}
		if current == driver.PowerOn {
			p.config.Logger.Warn("Node already powered on, forcing a power cycle", "node", node.UUID)
			if err := p.converge(ctx, runner, cs, info, node.UUID, driver.PowerOff); err != nil {
				return err
			}
		}
	}

	return p.converge(ctx, runner, cs, info, node.UUID, target)
}

// Reboot is implemented as a power-off convergence followed by a power-on
// convergence, not a native reset. The hypervisor reset commands return
// before the guest is observably back up, which defeats the convergence
// contract.
func (p *power) Reboot(ctx context.Context, node driver.Node) error {
	info, cs, err := parseInfo(node)
	if err != nil {
		return err
	}

	runner, err := p.config.Dialer(ctx, info)
	if err != nil {
		return err
	}
	defer runner.Close()

	if err := p.converge(ctx, runner, cs, info, node.UUID, driver.PowerOff); err != nil {
		return err
	}
	return p.converge(ctx, runner, cs, info, node.UUID, driver.PowerOn)
}

func (p *power) converge(ctx context.Context, runner Runner, cs commandSet, info map[string]string, nodeUUID string, target driver.PowerState) error {
	template := cs.start
	if target == driver.PowerOff {
		template = cs.stop
	}
	command := cs.render(template, info)

	_, err := p.config.Engine.Converge(ctx, nodeUUID, target,
		converge.Observe(func(ctx context.Context) (driver.PowerState, error) {
			return p.observe(ctx, runner, cs, info, nodeUUID)
		}),
		converge.Command(func(ctx context.Context) error {
			if _, err := runner.Run(ctx, command); err != nil {
				return fmt.Errorf("power command failed: %w", err)
			}
			return nil
		}),
	)
	return err
}
