package goble

import (
	"sort"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blimqc/internal/device"
)

// DefaultNameFilters are the advertised name fragments of QA-capable firmware builds.
var DefaultNameFilters = []string{"dino", "qa", "esp", "bt"}

// deviceInfoFromAdvertisement converts a ble.Advertisement to a device.DeviceInfo
func deviceInfoFromAdvertisement(adv ble.Advertisement) device.DeviceInfo {
	services := make([]string, 0, len(adv.Services()))
	for _, svc := range adv.Services() {
		services = append(services, device.NormalizeUUID(svc.String()))
	}
	sort.Strings(services)

	return device.DeviceInfo{
		Address:     adv.Addr().String(),
		Name:        strings.TrimSpace(adv.LocalName()),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    services,
	}
}

// matchesFilter applies the address/name/service criteria of a filter to an advertisement.
// An empty filter matches any advertisement that carries a name.
func matchesFilter(info device.DeviceInfo, filter *device.Filter) bool {
	if filter.Address != "" {
		return strings.EqualFold(info.Address, filter.Address)
	}

	if len(filter.ServiceUUIDs) > 0 {
		wanted := device.NormalizeUUIDs(filter.ServiceUUIDs)
		found := false
		for _, w := range wanted {
			for _, s := range info.Services {
				if w == s {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}

	if info.Name == "" {
		return len(filter.ServiceUUIDs) > 0
	}

	if len(filter.NameContains) == 0 {
		return true
	}
	name := strings.ToLower(info.Name)
	for _, fragment := range filter.NameContains {
		if fragment != "" && strings.Contains(name, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}
