package driver

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/gammadia/forge/errdefs"
)

// Properties declares the driver_info keys a capability consumes, with a
// human description per key. Used for documentation and up-front validation.
type Properties struct {
	Required map[string]string
	Optional map[string]string
}

// ParseInfo checks driver_info against the declared required keys and
// returns the subset of driver_info the capability may read. All missing
// required keys are reported in a single error so an operator can fix the
// node in one pass.
func (p Properties) ParseInfo(node Node) (map[string]string, error) {
	missing := lo.Filter(lo.Keys(p.Required), func(key string, _ int) bool {
		return node.DriverInfo[key] == ""
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errdefs.NewInvalidParameterValue(
			"node '%s' is missing driver_info keys: %s", node.UUID, strings.Join(missing, ", "))
	}

	info := make(map[string]string, len(p.Required)+len(p.Optional))
	for key := range p.Required {
		info[key] = node.DriverInfo[key]
	}
	for key := range p.Optional {
		if value, ok := node.DriverInfo[key]; ok {
			info[key] = value
		}
	}
	return info, nil
}
