package goble

import (
	"context"
	"errors"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/device"
)

// Scan reports every distinct device matching filter until ctx is done or the filter's
// scan timeout elapses. Repeated advertisements of a known address refresh its RSSI but
// are not reported again.
func (m *Manager) Scan(ctx context.Context, filter *device.Filter, handler func(device.DeviceInfo)) error {
	if filter == nil {
		filter = &device.Filter{}
	}

	dev, err := m.adapter()
	if err != nil {
		return err
	}

	if filter.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, filter.ScanTimeout)
		defer cancel()
	}

	seen := hashmap.New[string, device.DeviceInfo]()
	m.logger.WithField("duration", filter.ScanTimeout).Info("Starting BLE scan...")

	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		info := deviceInfoFromAdvertisement(adv)
		if !matchesFilter(info, filter) {
			return
		}
		if _, loaded := seen.GetOrInsert(info.Address, info); loaded {
			seen.Set(info.Address, info)
			return
		}
		m.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": info.Address,
			"rssi":    info.RSSI,
		}).Info("Discovered new device")
		handler(info)
	})

	m.logger.WithField("device_count", seen.Len()).Info("BLE scan completed")
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return classifyLinkError(ctx, err, device.AdapterUnavailable, "scan failed")
	}
	return nil
}
