package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/forge/db"
	"github.com/gammadia/forge/errdefs"
)

func createTestNode(t *testing.T, conn *Connection, mutate func(*db.Node)) *db.Node {
	t.Helper()
	node := &db.Node{
		Driver:     "fake",
		DriverInfo: map[string]string{},
		Properties: map[string]string{},
	}
	if mutate != nil {
		mutate(node)
	}
	created, err := conn.CreateNode(context.Background(), node)
	require.NoError(t, err)
	return created
}

// --- Reservations ---

func TestReserveConflictNamesHolder(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, nil)
	ctx := context.Background()

	_, err := conn.ReserveNode(ctx, "host-a", node.UUID)
	require.NoError(t, err)

	_, err = conn.ReserveNode(ctx, "host-b", node.UUID)
	var locked errdefs.NodeLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "host-a", locked.Holder)
	assert.Equal(t, node.UUID, locked.Node)
}

func TestReserveIsReentrantForSameTag(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, nil)
	ctx := context.Background()

	_, err := conn.ReserveNode(ctx, "host-a", node.UUID)
	require.NoError(t, err)
	reserved, err := conn.ReserveNode(ctx, "host-a", node.UUID)
	require.NoError(t, err)
	assert.Equal(t, "host-a", reserved.Reservation)
}

func TestReserveUnknownNode(t *testing.T) {
	conn := New()
	_, err := conn.ReserveNode(context.Background(), "host-a", "no-such-uuid")
	assert.True(t, errdefs.IsNodeNotFound(err))
}

func TestReleaseByWrongTag(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, nil)
	ctx := context.Background()

	_, err := conn.ReserveNode(ctx, "host-a", node.UUID)
	require.NoError(t, err)

	err = conn.ReleaseNode(ctx, "host-b", node.UUID)
	var locked errdefs.NodeLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "host-a", locked.Holder)
}

func TestReleaseUnreservedNode(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, nil)

	err := conn.ReleaseNode(context.Background(), "host-a", node.UUID)
	assert.True(t, errdefs.IsNodeNotLocked(err))
}

func TestDoubleReleaseIsNotSilent(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, nil)
	ctx := context.Background()

	_, err := conn.ReserveNode(ctx, "host-a", node.UUID)
	require.NoError(t, err)
	require.NoError(t, conn.ReleaseNode(ctx, "host-a", node.UUID))

	err = conn.ReleaseNode(ctx, "host-a", node.UUID)
	assert.True(t, errdefs.IsNodeNotLocked(err), "second release must fail NodeNotLocked, got %v", err)
}

// --- Node CRUD ---

func TestCreateNodeInitializesMaps(t *testing.T) {
	conn := New()

	node, err := conn.CreateNode(context.Background(), &db.Node{Driver: "fake"})
	require.NoError(t, err)
	assert.NotNil(t, node.DriverInfo)
	assert.NotNil(t, node.Properties)
	assert.NotNil(t, node.Extra)
}

func TestUpdateNodeDoesNotTouchReservation(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, nil)
	ctx := context.Background()

	_, err := conn.ReserveNode(ctx, "host-a", node.UUID)
	require.NoError(t, err)

	node.PowerState = "power on"
	node.Reservation = "" // a buggy caller trying to sneak the lock away
	updated, err := conn.UpdateNode(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, "host-a", updated.Reservation)
	assert.Equal(t, "power on", updated.PowerState)
}

func TestDestroyReservedNode(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, nil)
	ctx := context.Background()

	_, err := conn.ReserveNode(ctx, "host-a", node.UUID)
	require.NoError(t, err)

	err = conn.DestroyNode(ctx, node.UUID)
	assert.True(t, errdefs.IsNodeLocked(err))
}

func TestDestroyAssociatedNode(t *testing.T) {
	conn := New()
	node := createTestNode(t, conn, func(n *db.Node) { n.InstanceUUID = "instance-1" })

	err := conn.DestroyNode(context.Background(), node.UUID)
	assert.True(t, errdefs.IsInvalidParameterValue(err))
}

func TestGetNodeByInstance(t *testing.T) {
	conn := New()
	createTestNode(t, conn, nil)
	node := createTestNode(t, conn, func(n *db.Node) { n.InstanceUUID = "instance-42" })

	found, err := conn.GetNodeByInstance(context.Background(), "instance-42")
	require.NoError(t, err)
	assert.Equal(t, node.UUID, found.UUID)

	_, err = conn.GetNodeByInstance(context.Background(), "nope")
	assert.True(t, errdefs.IsNodeNotFound(err))
}

// --- Listing ---

func TestListNodesFilters(t *testing.T) {
	conn := New()
	ctx := context.Background()

	reserved := createTestNode(t, conn, nil)
	_, err := conn.ReserveNode(ctx, "host-a", reserved.UUID)
	require.NoError(t, err)
	createTestNode(t, conn, func(n *db.Node) { n.Maintenance = true })
	docker := createTestNode(t, conn, func(n *db.Node) { n.Driver = "docker" })

	nodes, err := conn.ListNodes(ctx, db.NodeFilters{Reserved: lo.ToPtr(true)}, db.ListOpts{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, reserved.UUID, nodes[0].UUID)

	nodes, err = conn.ListNodes(ctx, db.NodeFilters{Driver: lo.ToPtr("docker")}, db.ListOpts{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, docker.UUID, nodes[0].UUID)

	nodes, err = conn.ListNodes(ctx, db.NodeFilters{Maintenance: lo.ToPtr(false)}, db.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestListNodesPagination(t *testing.T) {
	conn := New()
	ctx := context.Background()
	for range 5 {
		createTestNode(t, conn, nil)
	}

	page1, err := conn.ListNodes(ctx, db.NodeFilters{}, db.ListOpts{Limit: 2, SortKey: "id", SortDir: db.SortAsc})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := conn.ListNodes(ctx, db.NodeFilters{}, db.ListOpts{Limit: 2, Marker: page1[1].UUID, SortKey: "id", SortDir: db.SortAsc})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Greater(t, page2[0].ID, page1[1].ID)

	page3, err := conn.ListNodes(ctx, db.NodeFilters{}, db.ListOpts{Limit: 2, Marker: page2[1].UUID, SortKey: "id", SortDir: db.SortAsc})
	require.NoError(t, err)
	require.Len(t, page3, 1)

	_, err = conn.ListNodes(ctx, db.NodeFilters{}, db.ListOpts{Marker: "bogus"})
	assert.True(t, errdefs.IsInvalidParameterValue(err))
}

func TestListNodesSortDesc(t *testing.T) {
	conn := New()
	ctx := context.Background()
	for range 3 {
		createTestNode(t, conn, nil)
	}

	nodes, err := conn.ListNodes(ctx, db.NodeFilters{}, db.ListOpts{SortKey: "id", SortDir: db.SortDesc})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Greater(t, nodes[0].ID, nodes[1].ID)
	assert.Greater(t, nodes[1].ID, nodes[2].ID)
}

func TestListNodesProvisionedBefore(t *testing.T) {
	conn := New()
	ctx := context.Background()

	now := time.Now()
	conn.SetClock(func() time.Time { return now.Add(-10 * time.Minute) })
	old := createTestNode(t, conn, nil)
	conn.SetClock(func() time.Time { return now })
	createTestNode(t, conn, nil)

	nodes, err := conn.ListNodes(ctx, db.NodeFilters{ProvisionedBefore: lo.ToPtr(5 * time.Minute)}, db.ListOpts{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, old.UUID, nodes[0].UUID)
}

// --- Conductors ---

func TestConductorLifecycle(t *testing.T) {
	conn := New()
	ctx := context.Background()

	_, err := conn.RegisterConductor(ctx, "host-a", []string{"fake"})
	require.NoError(t, err)

	_, err = conn.RegisterConductor(ctx, "host-a", []string{"fake"})
	var already errdefs.ConductorAlreadyRegistered
	assert.ErrorAs(t, err, &already)

	require.NoError(t, conn.TouchConductor(ctx, "host-a"))
	require.NoError(t, conn.UnregisterConductor(ctx, "host-a"))

	err = conn.TouchConductor(ctx, "host-a")
	var notFound errdefs.ConductorNotFound
	assert.ErrorAs(t, err, &notFound)
	err = conn.UnregisterConductor(ctx, "host-a")
	assert.ErrorAs(t, err, &notFound)
}

func TestActiveDriverMapExcludesStaleConductors(t *testing.T) {
	conn := New()
	ctx := context.Background()

	now := time.Now()
	conn.SetClock(func() time.Time { return now })

	_, err := conn.RegisterConductor(ctx, "fresh", []string{"fake", "docker"})
	require.NoError(t, err)
	_, err = conn.RegisterConductor(ctx, "stale", []string{"fake"})
	require.NoError(t, err)

	// 61 seconds later, only "fresh" has touched.
	conn.SetClock(func() time.Time { return now.Add(61 * time.Second) })
	require.NoError(t, conn.TouchConductor(ctx, "fresh"))

	driverMap, err := conn.ActiveDriverMap(ctx, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"fake":   {"fresh"},
		"docker": {"fresh"},
	}, driverMap)

	// A touch within the window brings the conductor back everywhere.
	require.NoError(t, conn.TouchConductor(ctx, "stale"))
	driverMap, err = conn.ActiveDriverMap(ctx, 60*time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh", "stale"}, driverMap["fake"])
}
