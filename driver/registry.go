package driver

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/gammadia/forge/errdefs"
)

// Registry maps driver names to capability bundles. It is populated once at
// process start and read-only afterwards, so lookups need no locking.
type Registry struct {
	drivers map[string]*Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*Driver)}
}

// Register adds a driver under its name. Registering an empty name, a nil
// driver, or a duplicate name is a programming error and panics, matching
// how a bad wiring should fail: at startup, not mid-operation.
func (r *Registry) Register(d *Driver) {
	if d == nil || d.Name == "" {
		panic("driver: registering a nil or unnamed driver")
	}
	if _, exists := r.drivers[d.Name]; exists {
		panic("driver: duplicate registration of '" + d.Name + "'")
	}
	r.drivers[d.Name] = d
}

// Resolve returns the driver registered under name.
func (r *Registry) Resolve(name string) (*Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, errdefs.DriverNotFound{Driver: name}
	}
	return d, nil
}

// Names lists the registered driver names, sorted. This is what the
// conductor advertises in its membership record.
func (r *Registry) Names() []string {
	names := lo.Keys(r.drivers)
	sort.Strings(names)
	return names
}

// Dispatch routes a vendor-passthru call to the method's handler. The
// method allow-list is exactly the key set of the driver's dispatch table.
func Dispatch(ctx context.Context, d *Driver, node Node, method string, args map[string]string) error {
	if d.VendorPassthru == nil {
		return errdefs.UnsupportedOperation{Driver: d.Name, Op: "vendor passthru"}
	}
	handler, ok := d.VendorPassthru.Methods()[method]
	if !ok {
		return errdefs.UnsupportedOperation{Driver: d.Name, Op: method}
	}
	return handler(ctx, node, args)
}
