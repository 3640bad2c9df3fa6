// Package conductor implements the agent side of the fleet: scoped node
// acquisition on top of the storage layer's reservation compare-and-set,
// liveness registration, and the operations that drive drivers under an
// exclusive lock.
package conductor

import (
	"context"
	"log/slog"

	"github.com/gammadia/forge/db"
	"github.com/gammadia/forge/errdefs"
)

// TaskOptions tunes Acquire.
type TaskOptions struct {
	// Shared acquisitions take no reservation and are only valid for
	// read-only operations.
	Shared bool
	Logger *slog.Logger
}

// Task is a scoped acquisition of one or more nodes. An exclusive task owns
// the reservation of every node it was given; callers must defer Release so
// the reservations are dropped on every exit path.
type Task struct {
	conn   db.Connection
	tag    string
	shared bool
	log    *slog.Logger

	nodes    []*db.Node
	released bool
}

// Acquire reserves the given nodes for tag, all-or-nothing: if any node
// cannot be reserved, every reservation already taken by this call is
// rolled back before the conflict is reported, so two callers acquiring
// overlapping sets cannot deadlock on partial locks.
func Acquire(ctx context.Context, conn db.Connection, tag string, opts TaskOptions, nodeUUIDs ...string) (*Task, error) {
	if len(nodeUUIDs) == 0 {
		return nil, errdefs.NewInvalidParameterValue("acquire requires at least one node")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	task := &Task{
		conn:   conn,
		tag:    tag,
		shared: opts.Shared,
		log:    opts.Logger,
	}

	if opts.Shared {
		for _, nodeUUID := range nodeUUIDs {
			node, err := conn.GetNodeByUUID(ctx, nodeUUID)
			if err != nil {
				return nil, err
			}
			task.nodes = append(task.nodes, node)
		}
		return task, nil
	}

	for _, nodeUUID := range nodeUUIDs {
		node, err := conn.ReserveNode(ctx, tag, nodeUUID)
		if err != nil {
			task.rollback(ctx, task.nodes)
			return nil, err
		}
		task.nodes = append(task.nodes, node)
	}
	return task, nil
}

// Node returns the first (usually only) node of the task.
func (t *Task) Node() *db.Node {
	return t.nodes[0]
}

func (t *Task) Nodes() []*db.Node {
	return t.nodes
}

func (t *Task) Shared() bool {
	return t.shared
}

// Tag is the reservation holder identifier of this task.
func (t *Task) Tag() string {
	return t.tag
}

// RequireExclusive is the guard every mutating entry point calls first.
func (t *Task) RequireExclusive() error {
	if t.shared {
		return errdefs.NodeNotExclusivelyLocked{Node: t.Node().UUID}
	}
	return nil
}

// Upgrade turns a shared task into an exclusive one. It re-validates
// against the store: if another holder reserved any node since the shared
// acquisition, the upgrade fails NodeLocked and the task stays shared, with
// any reservation taken by this call rolled back.
func (t *Task) Upgrade(ctx context.Context) error {
	if !t.shared {
		return nil
	}

	var taken []*db.Node
	for i, node := range t.nodes {
		reserved, err := t.conn.ReserveNode(ctx, t.tag, node.UUID)
		if err != nil {
			t.rollback(ctx, taken)
			return err
		}
		t.nodes[i] = reserved
		taken = append(taken, reserved)
	}
	t.shared = false
	return nil
}

// Release drops every reservation the task holds. Idempotent within the
// scope: a second call is a no-op. Callers defer this right after Acquire;
// pass a context that survives cancellation (context.WithoutCancel) so the
// locks are dropped even when the operation was aborted.
func (t *Task) Release(ctx context.Context) {
	if t.released {
		return
	}
	t.released = true
	if t.shared {
		return
	}
	t.rollback(ctx, t.nodes)
}

// rollback releases reservations best-effort, in reverse acquisition order.
// A failed release is logged and skipped: the remaining locks still must be
// dropped, and a release can only fail here if an operator force-released
// the node from under us.
func (t *Task) rollback(ctx context.Context, nodes []*db.Node) {
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := t.conn.ReleaseNode(ctx, t.tag, nodes[i].UUID); err != nil {
			t.log.Error("Failed to release node reservation", "node", nodes[i].UUID, "tag", t.tag, "error", err)
		}
	}
}
