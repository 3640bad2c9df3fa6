// Package db defines the storage collaborator contract: a durable record
// store for nodes and conductors with atomic field updates. The reservation
// compare-and-set in ReserveNode/ReleaseNode is the only serialization
// primitive in the system; every concurrency guarantee upstream derives
// from it being atomic.
package db

import (
	"context"
	"time"
)

// Node is the persisted record for a managed compute resource.
type Node struct {
	ID   int64
	UUID string

	Driver     string
	DriverInfo map[string]string
	Properties map[string]string
	Extra      map[string]string

	InstanceUUID string
	ChassisUUID  string

	ProvisionState      string
	ProvisionUpdatedAt  time.Time
	PowerState          string
	TargetPowerState    string
	Maintenance         bool
	LastError           string

	// Reservation is empty or exactly one holder tag. Only that tag may
	// clear it.
	Reservation string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conductor is the liveness record for an agent process.
type Conductor struct {
	Hostname      string
	Drivers       []string
	LastHeartbeat time.Time
}

// SortDir is the direction of a paginated listing.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// NodeFilters narrows ListNodes results. Nil pointer fields are ignored.
type NodeFilters struct {
	Associated        *bool
	Reserved          *bool
	Maintenance       *bool
	ChassisUUID       *string
	Driver            *string
	ProvisionState    *string
	ProvisionedBefore *time.Duration
}

// ListOpts paginates ListNodes. Marker is the UUID of the last item of the
// previous page; the listing resumes after it.
type ListOpts struct {
	Limit   int
	Marker  string
	SortKey string
	SortDir SortDir
}

// Connection is the storage engine contract. Implementations must make
// ReserveNode and ReleaseNode atomic compare-and-set operations on the
// reservation column.
type Connection interface {
	// CreateNode persists a new node. A zero ID and empty UUID are filled in.
	CreateNode(ctx context.Context, node *Node) (*Node, error)
	// GetNode fetches a node by ID.
	GetNode(ctx context.Context, id int64) (*Node, error)
	// GetNodeByUUID fetches a node by UUID.
	GetNodeByUUID(ctx context.Context, uuid string) (*Node, error)
	// GetNodeByInstance fetches the node associated with an instance.
	GetNodeByInstance(ctx context.Context, instanceUUID string) (*Node, error)
	// ListNodes returns nodes matching filters, paginated by opts.
	ListNodes(ctx context.Context, filters NodeFilters, opts ListOpts) ([]*Node, error)
	// UpdateNode overwrites the mutable fields of a node record.
	// The reservation column is excluded: it only moves through
	// ReserveNode and ReleaseNode.
	UpdateNode(ctx context.Context, node *Node) (*Node, error)
	// DestroyNode deletes an unreserved, unassociated node.
	DestroyNode(ctx context.Context, uuid string) error

	// ReserveNode atomically sets the reservation to tag if it is currently
	// empty. Re-entrant for the same tag. Fails errdefs.NodeLocked naming
	// the current holder otherwise.
	ReserveNode(ctx context.Context, tag, nodeUUID string) (*Node, error)
	// ReleaseNode atomically clears the reservation if it is currently held
	// by tag. Fails errdefs.NodeNotLocked if unreserved, errdefs.NodeLocked
	// if held by someone else.
	ReleaseNode(ctx context.Context, tag, nodeUUID string) error

	// RegisterConductor creates a conductor record; hostname is unique.
	RegisterConductor(ctx context.Context, hostname string, drivers []string) (*Conductor, error)
	// GetConductor fetches a conductor by hostname.
	GetConductor(ctx context.Context, hostname string) (*Conductor, error)
	// TouchConductor refreshes a conductor's heartbeat.
	TouchConductor(ctx context.Context, hostname string) error
	// UnregisterConductor removes a conductor record.
	UnregisterConductor(ctx context.Context, hostname string) error
	// ActiveDriverMap returns, per driver name, the hostnames of conductors
	// whose heartbeat is no older than interval. A stale conductor is
	// excluded from every driver it offers.
	ActiveDriverMap(ctx context.Context, interval time.Duration) (map[string][]string, error)
}
