// Package fake is an in-process driver with no backend, used by tests and
// the dev server. It records every call so tests can assert on what the
// conductor actually invoked.
package fake

import (
	"context"
	"sync"

	"github.com/gammadia/forge/driver"
)

// Driver bundles fake implementations of all three capabilities around a
// shared recorder.
func NewDriver() (*driver.Driver, *Recorder) {
	recorder := &Recorder{state: driver.PowerOff, bootDevice: driver.BootDeviceDisk}
	return &driver.Driver{
		Name:           "fake",
		Power:          &power{recorder},
		Management:     &management{recorder},
		VendorPassthru: &vendor{recorder},
	}, recorder
}

// Recorder is the shared backend state of a fake driver.
type Recorder struct {
	mu sync.Mutex

	state      driver.PowerState
	bootDevice driver.BootDevice

	// PowerCalls counts SetPowerState and Reboot commands issued.
	PowerCalls int
	// VendorCalls lists the vendor methods dispatched, in order.
	VendorCalls []string

	// CommandError, when set, is returned by power commands instead of
	// changing state.
	CommandError error
	// ObserveDelay, when positive, makes the state visible only after that
	// many additional observations, simulating a slow backend.
	ObserveDelay int

	pendingState *driver.PowerState
}

func (r *Recorder) SetState(state driver.PowerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

func (r *Recorder) State() driver.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) observe() driver.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingState != nil {
		if r.ObserveDelay > 0 {
			r.ObserveDelay--
		} else {
			r.state = *r.pendingState
			r.pendingState = nil
		}
	}
	return r.state
}

func (r *Recorder) command(target driver.PowerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PowerCalls++
	if r.CommandError != nil {
		return r.CommandError
	}
	r.pendingState = &target
	return nil
}

type power struct{ r *Recorder }

func (p *power) Properties() driver.Properties { return driver.Properties{} }

func (p *power) Validate(ctx context.Context, node driver.Node) error { return nil }

func (p *power) PowerState(ctx context.Context, node driver.Node) (driver.PowerState, error) {
	return p.r.observe(), nil
}

func (p *power) SetPowerState(ctx context.Context, node driver.Node, target driver.PowerState) error {
	if err := p.r.command(target); err != nil {
		return err
	}
	p.r.observe()
	return nil
}

// Reboot is a single idempotent reset: the fake backend lands on power on.
func (p *power) Reboot(ctx context.Context, node driver.Node) error {
	if err := p.r.command(driver.PowerOn); err != nil {
		return err
	}
	p.r.observe()
	return nil
}

type management struct{ r *Recorder }

func (m *management) Properties() driver.Properties { return driver.Properties{} }

func (m *management) Validate(ctx context.Context, node driver.Node) error { return nil }

func (m *management) SupportedBootDevices() []driver.BootDevice {
	return []driver.BootDevice{driver.BootDeviceDisk, driver.BootDevicePXE}
}

func (m *management) SetBootDevice(ctx context.Context, node driver.Node, device driver.BootDevice, persistent bool) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.bootDevice = device
	return nil
}

func (m *management) GetBootDevice(ctx context.Context, node driver.Node) (driver.BootDevice, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	return m.r.bootDevice, nil
}

type vendor struct{ r *Recorder }

func (v *vendor) Properties() driver.Properties { return driver.Properties{} }

func (v *vendor) Validate(ctx context.Context, node driver.Node) error { return nil }

func (v *vendor) Methods() map[string]driver.VendorMethod {
	return map[string]driver.VendorMethod{
		"ping": func(ctx context.Context, node driver.Node, args map[string]string) error {
			v.record("ping")
			return nil
		},
		"set_property": func(ctx context.Context, node driver.Node, args map[string]string) error {
			v.record("set_property")
			for key, value := range args {
				node.Properties[key] = value
			}
			return nil
		},
	}
}

func (v *vendor) record(method string) {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	v.r.VendorCalls = append(v.r.VendorCalls, method)
}
