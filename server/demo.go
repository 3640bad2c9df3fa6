package main

import (
	"fmt"
	"time"

	"github.com/gammadia/forge/conductor"
	"github.com/gammadia/forge/db"
	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/namegen"
	"github.com/gammadia/forge/server/log"
)

// runDemo seeds a fake node and cycles its power, exercising the whole
// acquire-resolve-converge path against the in-memory store.
func runDemo(service *conductor.Service, conn db.Connection) {
	node, err := conn.CreateNode(ctx, &db.Node{
		Driver:     "fake",
		Properties: map[string]string{"name": fmt.Sprintf("demo-%s", namegen.Get())},
	})
	if err != nil {
		log.Error("Failed to create demo node", "error", err)
		return
	}
	log.Info("Created demo node", "node", node.UUID)

	for _, target := range []driver.PowerState{driver.PowerOn, driver.PowerOff} {
		if err := service.ChangeNodePowerState(ctx, node.UUID, target); err != nil {
			log.Error("Demo power transition failed", "node", node.UUID, "target", string(target), "error", err)
			return
		}
		state, err := service.GetNodePowerState(ctx, node.UUID)
		if err != nil {
			log.Error("Demo power observation failed", "node", node.UUID, "error", err)
			return
		}
		log.Info("Demo node power state", "node", node.UUID, "state", string(state))
		time.Sleep(time.Second)
	}
}
