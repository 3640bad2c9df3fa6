package conductor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gammadia/forge/db"
	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/errdefs"
)

// Config wires a conductor Service. All fields are required except Logger.
type Config struct {
	DB       db.Connection
	Registry *driver.Registry
	// Hostname doubles as the reservation tag for every task this
	// conductor acquires.
	Hostname string
	Logger   *slog.Logger
}

// Service executes node operations: it acquires tasks, resolves drivers and
// runs capability calls inside the right lock scope. One Service per
// conductor process; every operation runs on its caller's goroutine.
type Service struct {
	conn     db.Connection
	registry *driver.Registry
	hostname string
	log      *slog.Logger
}

func New(config Config) *Service {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conn:     config.DB,
		registry: config.Registry,
		hostname: config.Hostname,
		log:      logger,
	}
}

// WithTask is the scoped-acquisition construct: it acquires the nodes,
// runs fn, and releases on every exit path, including panics and
// cancellation. The release uses a context detached from cancellation so
// an aborted operation still drops its locks.
func (s *Service) WithTask(ctx context.Context, shared bool, fn func(ctx context.Context, task *Task) error, nodeUUIDs ...string) error {
	task, err := Acquire(ctx, s.conn, s.hostname, TaskOptions{Shared: shared, Logger: s.log}, nodeUUIDs...)
	if err != nil {
		return err
	}
	defer task.Release(context.WithoutCancel(ctx))

	return fn(ctx, task)
}

// ChangeNodePowerState drives nodeUUID to target under an exclusive lock.
// The lock is held for the full convergence duration, deliberately
// serializing power operations per node; run it on a dedicated goroutine.
func (s *Service) ChangeNodePowerState(ctx context.Context, nodeUUID string, target driver.PowerState) error {
	// Reject a bad target before touching the store or the backend.
	if target != driver.PowerOn && target != driver.PowerOff {
		return errdefs.NewInvalidParameterValue("'%s' is not a valid target power state", target)
	}
	return s.WithTask(ctx, false, func(ctx context.Context, task *Task) error {
		return s.SetPowerState(ctx, task, target)
	}, nodeUUID)
}

// RebootNode power cycles nodeUUID under an exclusive lock.
func (s *Service) RebootNode(ctx context.Context, nodeUUID string) error {
	return s.WithTask(ctx, false, s.Reboot, nodeUUID)
}

// SetNodeBootDevice configures nodeUUID's boot device under an exclusive
// lock.
func (s *Service) SetNodeBootDevice(ctx context.Context, nodeUUID string, device driver.BootDevice, persistent bool) error {
	return s.WithTask(ctx, false, func(ctx context.Context, task *Task) error {
		return s.SetBootDevice(ctx, task, device, persistent)
	}, nodeUUID)
}

// GetNodePowerState observes the power state under a shared task.
func (s *Service) GetNodePowerState(ctx context.Context, nodeUUID string) (driver.PowerState, error) {
	var state driver.PowerState
	err := s.WithTask(ctx, true, func(ctx context.Context, task *Task) error {
		var err error
		state, err = s.PowerState(ctx, task)
		return err
	}, nodeUUID)
	return state, err
}

// SetPowerState runs a power transition on an already-acquired task. It
// records the target before issuing commands and the outcome after, so the
// node record reflects in-flight and failed transitions.
func (s *Service) SetPowerState(ctx context.Context, task *Task, target driver.PowerState) error {
	if target != driver.PowerOn && target != driver.PowerOff {
		return errdefs.NewInvalidParameterValue("'%s' is not a valid target power state", target)
	}
	if err := task.RequireExclusive(); err != nil {
		return err
	}

	node := task.Node()
	power, err := s.resolvePower(node)
	if err != nil {
		return err
	}
	dnode := driver.NodeFromRecord(node)
	if err := power.Validate(ctx, dnode); err != nil {
		return err
	}

	node.TargetPowerState = string(target)
	if node, err = s.conn.UpdateNode(ctx, node); err != nil {
		return err
	}

	s.log.Info("Changing node power state", "node", node.UUID, "target", string(target))
	return s.finishPowerAction(ctx, node, dnode, power, target,
		power.SetPowerState(ctx, dnode, target))
}

// Reboot power cycles the node of an already-acquired task. The reboot
// strategy (off-then-on pair vs native reset) is the backend's call.
func (s *Service) Reboot(ctx context.Context, task *Task) error {
	if err := task.RequireExclusive(); err != nil {
		return err
	}

	node := task.Node()
	power, err := s.resolvePower(node)
	if err != nil {
		return err
	}
	dnode := driver.NodeFromRecord(node)
	if err := power.Validate(ctx, dnode); err != nil {
		return err
	}

	node.TargetPowerState = string(driver.PowerOn)
	if node, err = s.conn.UpdateNode(ctx, node); err != nil {
		return err
	}

	s.log.Info("Rebooting node", "node", node.UUID)
	return s.finishPowerAction(ctx, node, dnode, power, driver.PowerOn,
		power.Reboot(ctx, dnode))
}

// finishPowerAction persists the outcome of a power transition. On failure
// the last error is recorded and the power state re-observed best-effort,
// so the record does not keep a stale state the backend has moved past.
func (s *Service) finishPowerAction(ctx context.Context, node *db.Node, dnode driver.Node, power driver.Power, target driver.PowerState, actionErr error) error {
	node.TargetPowerState = ""
	if actionErr == nil {
		node.PowerState = string(target)
		node.LastError = ""
	} else {
		node.LastError = actionErr.Error()
		if observed, err := power.PowerState(ctx, dnode); err == nil {
			node.PowerState = string(observed)
		}
	}

	if _, err := s.conn.UpdateNode(ctx, node); err != nil {
		s.log.Error("Failed to record power action outcome", "node", node.UUID, "error", err)
	}
	return actionErr
}

// PowerState observes the node's power state. Read-only: valid on shared
// tasks.
func (s *Service) PowerState(ctx context.Context, task *Task) (driver.PowerState, error) {
	node := task.Node()
	power, err := s.resolvePower(node)
	if err != nil {
		return driver.PowerError, err
	}
	dnode := driver.NodeFromRecord(node)
	if err := power.Validate(ctx, dnode); err != nil {
		return driver.PowerError, err
	}
	return power.PowerState(ctx, dnode)
}

// SetBootDevice configures the node's boot device. Mutating: exclusive only.
func (s *Service) SetBootDevice(ctx context.Context, task *Task, device driver.BootDevice, persistent bool) error {
	if err := task.RequireExclusive(); err != nil {
		return err
	}

	node := task.Node()
	d, err := s.registry.Resolve(node.Driver)
	if err != nil {
		return err
	}
	if d.Management == nil {
		return errdefs.UnsupportedOperation{Driver: d.Name, Op: "management"}
	}

	dnode := driver.NodeFromRecord(node)
	if err := d.Management.Validate(ctx, dnode); err != nil {
		return err
	}
	return d.Management.SetBootDevice(ctx, dnode, device, persistent)
}

// VendorPassthru dispatches an allow-listed vendor method. Vendor methods
// may mutate backend state or node properties, so the whole surface is
// exclusive-only. Property changes made by the handler are persisted.
func (s *Service) VendorPassthru(ctx context.Context, task *Task, method string, args map[string]string) error {
	if err := task.RequireExclusive(); err != nil {
		return err
	}

	node := task.Node()
	d, err := s.registry.Resolve(node.Driver)
	if err != nil {
		return err
	}
	if d.VendorPassthru != nil {
		dnode := driver.NodeFromRecord(node)
		if err := d.VendorPassthru.Validate(ctx, dnode); err != nil {
			return err
		}
	}

	if err := driver.Dispatch(ctx, d, driver.NodeFromRecord(node), method, args); err != nil {
		return err
	}

	if _, err := s.conn.UpdateNode(ctx, node); err != nil {
		return fmt.Errorf("failed to persist node after vendor call '%s': %w", method, err)
	}
	return nil
}

// ValidateDriver runs every capability's validate for the task's node and
// returns the per-capability outcome. A missing capability reports
// UnsupportedOperation; nil means the capability accepted the node.
func (s *Service) ValidateDriver(ctx context.Context, task *Task) (map[string]error, error) {
	node := task.Node()
	d, err := s.registry.Resolve(node.Driver)
	if err != nil {
		return nil, err
	}
	dnode := driver.NodeFromRecord(node)

	results := make(map[string]error, 3)
	if d.Power != nil {
		results["power"] = d.Power.Validate(ctx, dnode)
	} else {
		results["power"] = errdefs.UnsupportedOperation{Driver: d.Name, Op: "power"}
	}
	if d.Management != nil {
		results["management"] = d.Management.Validate(ctx, dnode)
	} else {
		results["management"] = errdefs.UnsupportedOperation{Driver: d.Name, Op: "management"}
	}
	if d.VendorPassthru != nil {
		results["vendor"] = d.VendorPassthru.Validate(ctx, dnode)
	} else {
		results["vendor"] = errdefs.UnsupportedOperation{Driver: d.Name, Op: "vendor passthru"}
	}
	return results, nil
}

func (s *Service) resolvePower(node *db.Node) (driver.Power, error) {
	d, err := s.registry.Resolve(node.Driver)
	if err != nil {
		return nil, err
	}
	if d.Power == nil {
		return nil, errdefs.UnsupportedOperation{Driver: d.Name, Op: "power"}
	}
	return d.Power, nil
}
