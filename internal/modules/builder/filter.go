package builder

import (
	"fmt"
	"slices"

	"github.com/mikey-austin/airbridge/internal/upnp"
)

// TypeFilter accepts devices whose type is in deviceTypes and which declare
// every serviceId in requiredServices. An empty deviceTypes rejects all.
func TypeFilter(deviceTypes []string, requiredServices []string) Filter {
	types := slices.Clone(deviceTypes)
	required := slices.Clone(requiredServices)
	return func(dev *upnp.Device) (bool, string) {
		if !slices.Contains(types, dev.DeviceType) {
			return false, fmt.Sprintf("unsupported device type %s", dev.DeviceType)
		}
		for _, id := range required {
			if !dev.HasService(id) {
				return false, fmt.Sprintf("missing service %s", id)
			}
		}
		return true, ""
	}
}
