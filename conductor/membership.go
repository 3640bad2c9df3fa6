package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/forge/db"
)

const DefaultHeartbeatInterval = 10 * time.Second

// MembershipConfig configures the liveness registration of one conductor
// process.
type MembershipConfig struct {
	DB       db.Connection
	Hostname string
	// Drivers is the set of driver names this conductor offers, usually
	// Registry.Names().
	Drivers           []string
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Membership registers this conductor in the store and keeps its heartbeat
// fresh so the scheduler's active-driver map includes it.
type Membership struct {
	conn     db.Connection
	hostname string
	drivers  []string
	interval time.Duration
	log      *slog.Logger

	stop chan any
	wg   sync.WaitGroup
}

func NewMembership(config MembershipConfig) *Membership {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Membership{
		conn:     config.DB,
		hostname: config.Hostname,
		drivers:  config.Drivers,
		interval: config.HeartbeatInterval,
		log:      config.Logger,

		stop: make(chan any),
	}
}

func (m *Membership) Hostname() string {
	return m.hostname
}

// Register creates this conductor's record. Fails ConductorAlreadyRegistered
// when the hostname is taken; a crashed predecessor must be unregistered
// (or aged out by the scheduler) before the name can be reused.
func (m *Membership) Register(ctx context.Context) error {
	if _, err := m.conn.RegisterConductor(ctx, m.hostname, m.drivers); err != nil {
		return err
	}
	m.log.Info("Conductor registered", "hostname", m.hostname, "drivers", m.drivers)
	return nil
}

// Touch refreshes the heartbeat once.
func (m *Membership) Touch(ctx context.Context) error {
	return m.conn.TouchConductor(ctx, m.hostname)
}

// Unregister removes this conductor's record.
func (m *Membership) Unregister(ctx context.Context) error {
	if err := m.conn.UnregisterConductor(ctx, m.hostname); err != nil {
		return err
	}
	m.log.Info("Conductor unregistered", "hostname", m.hostname)
	return nil
}

// Start launches the heartbeat goroutine. Stop shuts it down.
func (m *Membership) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Touch(context.Background()); err != nil {
					m.log.Warn("Failed to refresh conductor heartbeat", "hostname", m.hostname, "error", err)
				}
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop terminates the heartbeat goroutine and waits for it.
func (m *Membership) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// ActiveDriverMap returns, per driver name, the hostnames of conductors
// whose heartbeat is at most interval old. Consumed by an external
// scheduler to pick a live owner for a node.
func (m *Membership) ActiveDriverMap(ctx context.Context, interval time.Duration) (map[string][]string, error) {
	driverMap, err := m.conn.ActiveDriverMap(ctx, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to compute active driver map: %w", err)
	}
	return driverMap, nil
}
