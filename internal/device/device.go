package device

import (
	"context"
	"time"
)

// Default QA GATT profile exposed by the unit under test firmware.
const (
	QAServiceUUID = "a07498ca-ad5b-474e-940d-16f1fbe7e8cd"
	QAControlUUID = "b30ac6b4-1b2d-4c2f-9c10-4b2a7b80f1a1"
	QAEventsUUID  = "f29f4a3e-9a53-4d93-9b33-0a1cc4f0c8a2"
)

// Filter selects the unit under test during Connect.
// An explicit Address wins over every other criterion.
type Filter struct {
	Address        string
	NameContains   []string // case-insensitive substrings, any match
	ServiceUUIDs   []string // any advertised service matches
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// ServiceProfile names the GATT service carrying the command/event characteristic pair.
type ServiceProfile struct {
	Service string
	Command string
	Event   string
}

// DefaultServiceProfile returns the QA profile used by production firmware.
func DefaultServiceProfile() *ServiceProfile {
	return &ServiceProfile{
		Service: QAServiceUUID,
		Command: QAControlUUID,
		Event:   QAEventsUUID,
	}
}

// DeviceInfo describes a device seen while scanning.
//
//nolint:revive // DeviceInfo reads better than Info at call sites
type DeviceInfo struct {
	Address     string   `json:"address"`
	Name        string   `json:"name,omitempty"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	Services    []string `json:"services,omitempty"`
}

// UnitUnderTest is an open link session to a device.
// Lost is closed when the link goes away, whether by Disconnect or by the radio.
type UnitUnderTest interface {
	Address() string
	Name() string
	Lost() <-chan struct{}
	// Cause reports why Lost was closed; nil while the link is up.
	Cause() error
}

// CommandChannel is the write-capable characteristic of the QA service.
type CommandChannel interface {
	UUID() string
	Write(data []byte, withResponse bool, timeout time.Duration) error
}

// EventChannel is the notify-capable characteristic of the QA service.
// Handlers are invoked in notification arrival order.
type EventChannel interface {
	UUID() string
	Subscribe(handler func(data []byte)) error
	Unsubscribe() error
}

// Channels is the command/event pair discovered on a unit under test.
type Channels struct {
	Command CommandChannel
	Event   EventChannel
}

// LinkManager opens and closes link sessions to units under test.
type LinkManager interface {
	Connect(ctx context.Context, filter *Filter) (UnitUnderTest, error)
	Discover(uut UnitUnderTest, profile *ServiceProfile) (*Channels, error)
	Disconnect(uut UnitUnderTest) error
}

// Scanner lists devices matching a filter without connecting.
type Scanner interface {
	Scan(ctx context.Context, filter *Filter, handler func(DeviceInfo)) error
}
