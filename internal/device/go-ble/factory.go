package goble

import (
	"github.com/go-ble/ble"
)

// DeviceFactory creates the host BLE adapter (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}
