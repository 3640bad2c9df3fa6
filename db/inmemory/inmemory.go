// Package inmemory is the reference db.Connection used by tests and the dev
// server. Atomicity of the reservation compare-and-set is provided by a
// single mutex around every operation, which is exactly what a SQL engine
// gives us with UPDATE ... WHERE reservation IS NULL.
package inmemory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gammadia/forge/db"
	"github.com/gammadia/forge/errdefs"
)

type Connection struct {
	mu sync.Mutex

	nodes      map[string]*db.Node // keyed by UUID
	conductors map[string]*db.Conductor

	nextID int64

	// now is replaceable in tests to control heartbeat freshness.
	now func() time.Time
}

var _ db.Connection = (*Connection)(nil)

func New() *Connection {
	return &Connection{
		nodes:      make(map[string]*db.Node),
		conductors: make(map[string]*db.Conductor),
		nextID:     1,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (c *Connection) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Connection) CreateNode(ctx context.Context, node *db.Node) (*db.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := *node
	if clone.UUID == "" {
		clone.UUID = uuid.NewString()
	}
	if _, exists := c.nodes[clone.UUID]; exists {
		return nil, errdefs.NewInvalidParameterValue("node with UUID '%s' already exists", clone.UUID)
	}
	normalizeMaps(&clone)
	clone.ID = c.nextID
	c.nextID++
	clone.CreatedAt = c.now()
	clone.UpdatedAt = clone.CreatedAt
	if clone.ProvisionUpdatedAt.IsZero() {
		clone.ProvisionUpdatedAt = clone.CreatedAt
	}

	c.nodes[clone.UUID] = &clone
	return copyNode(&clone), nil
}

func (c *Connection) GetNode(ctx context.Context, id int64) (*db.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		if node.ID == id {
			return copyNode(node), nil
		}
	}
	return nil, errdefs.NodeNotFound{Node: strconv.FormatInt(id, 10)}
}

func (c *Connection) GetNodeByUUID(ctx context.Context, nodeUUID string) (*db.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeUUID]
	if !ok {
		return nil, errdefs.NodeNotFound{Node: nodeUUID}
	}
	return copyNode(node), nil
}

func (c *Connection) GetNodeByInstance(ctx context.Context, instanceUUID string) (*db.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		if node.InstanceUUID == instanceUUID {
			return copyNode(node), nil
		}
	}
	return nil, errdefs.NodeNotFound{Node: instanceUUID}
}

func (c *Connection) ListNodes(ctx context.Context, filters db.NodeFilters, opts db.ListOpts) ([]*db.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	matches := lo.Filter(lo.Values(c.nodes), func(node *db.Node, _ int) bool {
		return matchesFilters(node, filters, now)
	})

	sortKey := opts.SortKey
	if sortKey == "" {
		sortKey = "id"
	}
	descending := opts.SortDir == db.SortDesc
	sort.Slice(matches, func(i, j int) bool {
		less := nodeLess(matches[i], matches[j], sortKey)
		if descending {
			return !less
		}
		return less
	})

	// The marker is the last item of the previous page; resume after it.
	if opts.Marker != "" {
		index := lo.IndexOf(lo.Map(matches, func(n *db.Node, _ int) string { return n.UUID }), opts.Marker)
		if index < 0 {
			return nil, errdefs.NewInvalidParameterValue("marker '%s' does not match any node", opts.Marker)
		}
		matches = matches[index+1:]
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}

	return lo.Map(matches, func(n *db.Node, _ int) *db.Node { return copyNode(n) }), nil
}

func (c *Connection) UpdateNode(ctx context.Context, node *db.Node) (*db.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.nodes[node.UUID]
	if !ok {
		return nil, errdefs.NodeNotFound{Node: node.UUID}
	}

	clone := *node
	normalizeMaps(&clone)
	clone.ID = existing.ID
	clone.Reservation = existing.Reservation // only ReserveNode/ReleaseNode touch this
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = c.now()
	if clone.ProvisionState != existing.ProvisionState {
		clone.ProvisionUpdatedAt = clone.UpdatedAt
	}

	c.nodes[node.UUID] = &clone
	return copyNode(&clone), nil
}

func (c *Connection) DestroyNode(ctx context.Context, nodeUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeUUID]
	if !ok {
		return errdefs.NodeNotFound{Node: nodeUUID}
	}
	if node.Reservation != "" {
		return errdefs.NodeLocked{Node: nodeUUID, Holder: node.Reservation}
	}
	if node.InstanceUUID != "" {
		return errdefs.NewInvalidParameterValue("node '%s' is associated with instance '%s'", nodeUUID, node.InstanceUUID)
	}

	delete(c.nodes, nodeUUID)
	return nil
}

func (c *Connection) ReserveNode(ctx context.Context, tag, nodeUUID string) (*db.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeUUID]
	if !ok {
		return nil, errdefs.NodeNotFound{Node: nodeUUID}
	}
	switch node.Reservation {
	case "":
		node.Reservation = tag
		node.UpdatedAt = c.now()
	case tag:
		// Re-entrant: already held by this tag.
	default:
		return nil, errdefs.NodeLocked{Node: nodeUUID, Holder: node.Reservation}
	}
	return copyNode(node), nil
}

func (c *Connection) ReleaseNode(ctx context.Context, tag, nodeUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeUUID]
	if !ok {
		return errdefs.NodeNotFound{Node: nodeUUID}
	}
	switch node.Reservation {
	case "":
		return errdefs.NodeNotLocked{Node: nodeUUID}
	case tag:
		node.Reservation = ""
		node.UpdatedAt = c.now()
		return nil
	default:
		return errdefs.NodeLocked{Node: nodeUUID, Holder: node.Reservation}
	}
}

func (c *Connection) RegisterConductor(ctx context.Context, hostname string, drivers []string) (*db.Conductor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.conductors[hostname]; exists {
		return nil, errdefs.ConductorAlreadyRegistered{Hostname: hostname}
	}
	conductor := &db.Conductor{
		Hostname:      hostname,
		Drivers:       append([]string(nil), drivers...),
		LastHeartbeat: c.now(),
	}
	c.conductors[hostname] = conductor

	clone := *conductor
	return &clone, nil
}

func (c *Connection) GetConductor(ctx context.Context, hostname string) (*db.Conductor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conductor, ok := c.conductors[hostname]
	if !ok {
		return nil, errdefs.ConductorNotFound{Hostname: hostname}
	}
	clone := *conductor
	return &clone, nil
}

func (c *Connection) TouchConductor(ctx context.Context, hostname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conductor, ok := c.conductors[hostname]
	if !ok {
		return errdefs.ConductorNotFound{Hostname: hostname}
	}
	conductor.LastHeartbeat = c.now()
	return nil
}

func (c *Connection) UnregisterConductor(ctx context.Context, hostname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.conductors[hostname]; !ok {
		return errdefs.ConductorNotFound{Hostname: hostname}
	}
	delete(c.conductors, hostname)
	return nil
}

func (c *Connection) ActiveDriverMap(ctx context.Context, interval time.Duration) (map[string][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.now().Add(-interval)
	result := make(map[string][]string)
	for _, conductor := range c.conductors {
		if conductor.LastHeartbeat.Before(limit) {
			continue
		}
		for _, driver := range conductor.Drivers {
			result[driver] = append(result[driver], conductor.Hostname)
		}
	}
	for _, hosts := range result {
		sort.Strings(hosts)
	}
	return result, nil
}

func matchesFilters(node *db.Node, filters db.NodeFilters, now time.Time) bool {
	if filters.Associated != nil && (node.InstanceUUID != "") != *filters.Associated {
		return false
	}
	if filters.Reserved != nil && (node.Reservation != "") != *filters.Reserved {
		return false
	}
	if filters.Maintenance != nil && node.Maintenance != *filters.Maintenance {
		return false
	}
	if filters.ChassisUUID != nil && node.ChassisUUID != *filters.ChassisUUID {
		return false
	}
	if filters.Driver != nil && node.Driver != *filters.Driver {
		return false
	}
	if filters.ProvisionState != nil && node.ProvisionState != *filters.ProvisionState {
		return false
	}
	if filters.ProvisionedBefore != nil && !node.ProvisionUpdatedAt.Before(now.Add(-*filters.ProvisionedBefore)) {
		return false
	}
	return true
}

func nodeLess(a, b *db.Node, key string) bool {
	switch key {
	case "uuid":
		return a.UUID < b.UUID
	case "driver":
		if a.Driver != b.Driver {
			return a.Driver < b.Driver
		}
		return a.ID < b.ID
	case "provision_state":
		if a.ProvisionState != b.ProvisionState {
			return a.ProvisionState < b.ProvisionState
		}
		return a.ID < b.ID
	case "created_at":
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	case "updated_at":
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	default: // "id"
		return a.ID < b.ID
	}
}

// normalizeMaps ensures a stored record never carries nil maps, so vendor
// methods can write through the capability view without a nil check.
func normalizeMaps(node *db.Node) {
	if node.DriverInfo == nil {
		node.DriverInfo = map[string]string{}
	}
	if node.Properties == nil {
		node.Properties = map[string]string{}
	}
	if node.Extra == nil {
		node.Extra = map[string]string{}
	}
}

func copyNode(node *db.Node) *db.Node {
	clone := *node
	clone.DriverInfo = copyMap(node.DriverInfo)
	clone.Properties = copyMap(node.Properties)
	clone.Extra = copyMap(node.Extra)
	return &clone
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return lo.Assign(map[string]string{}, m)
}
