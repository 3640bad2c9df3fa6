// Package driver defines the capability contracts a hardware or hypervisor
// backend must implement, and the registry resolving a driver name to its
// capability bundle. Each backend lives in its own subpackage and is one
// variant implementing the same interfaces; selection happens through the
// registry, never through type switches at call sites.
package driver

import (
	"context"

	"github.com/gammadia/forge/db"
)

// PowerState is an observable power state of a node.
type PowerState string

const (
	PowerOn    PowerState = "power on"
	PowerOff   PowerState = "power off"
	Rebooting  PowerState = "rebooting"
	PowerError PowerState = "error"
)

// BootDevice is a boot device selectable through the Management capability.
type BootDevice string

const (
	BootDeviceDisk BootDevice = "disk"
	BootDevicePXE  BootDevice = "pxe"
)

// Node is the slice of the node record a capability needs: identity plus
// backend configuration. Capabilities never see the task or the store.
type Node struct {
	UUID       string
	DriverInfo map[string]string
	Properties map[string]string
}

// NodeFromRecord trims a db record down to what capabilities consume.
func NodeFromRecord(record *db.Node) Node {
	return Node{
		UUID:       record.UUID,
		DriverInfo: record.DriverInfo,
		Properties: record.Properties,
	}
}

// Power controls the power state of a node through an out-of-band channel.
type Power interface {
	// Properties declares the driver_info keys this capability reads.
	Properties() Properties
	// Validate checks that driver_info carries everything the capability
	// needs, before any backend call is made. Returns
	// errdefs.InvalidParameterValue enumerating every missing required key.
	Validate(ctx context.Context, node Node) error
	// PowerState observes the node's current power state.
	PowerState(ctx context.Context, node Node) (PowerState, error)
	// SetPowerState drives the node to target (PowerOn or PowerOff),
	// blocking until the state is observed or the attempt budget runs out.
	SetPowerState(ctx context.Context, node Node, target PowerState) error
	// Reboot power cycles the node. Each backend documents whether this is
	// an off-then-on convergence pair or a single native reset command.
	Reboot(ctx context.Context, node Node) error
}

// Management configures how a node boots.
type Management interface {
	Properties() Properties
	Validate(ctx context.Context, node Node) error
	// SupportedBootDevices lists the devices SetBootDevice accepts.
	SupportedBootDevices() []BootDevice
	SetBootDevice(ctx context.Context, node Node, device BootDevice, persistent bool) error
	GetBootDevice(ctx context.Context, node Node) (BootDevice, error)
}

// VendorMethod is a handler for one allow-listed vendor-passthru method.
// Mutating methods are guarded upstream by the task's exclusivity check;
// the handler itself only talks to the backend.
type VendorMethod func(ctx context.Context, node Node, args map[string]string) error

// VendorPassthru exposes backend-specific methods behind a fixed allow-list.
type VendorPassthru interface {
	Properties() Properties
	Validate(ctx context.Context, node Node) error
	// Methods is the dispatch table, built once at driver construction.
	// The keys are the allow-list; anything else is UnsupportedOperation.
	Methods() map[string]VendorMethod
}

// Driver is the capability bundle registered under one name. A nil
// capability means the backend does not support it.
type Driver struct {
	Name string

	Power          Power
	Management     Management
	VendorPassthru VendorPassthru
}
