package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blimqc/internal/device"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "write,notify"
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// WriteHandler is the firmware side of a mocked peripheral: it sees every command
// write and may answer through p.Notify.
type WriteHandler func(p *MockPeripheral, data []byte)

// PeripheralDeviceBuilder builds a mocked go-ble host device with one peripheral behind it.
type PeripheralDeviceBuilder struct {
	profile            DeviceProfileConfig
	scanAdvertisements []blelib.Advertisement
	dialErr            error
	scanErr            error
	writeErr           error
	onWrite            WriteHandler
}

// NewPeripheralDeviceBuilder creates a builder with an empty profile
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{}
}

// NewQAPeripheralBuilder creates a builder exposing the QA service with its
// command and event characteristics.
func NewQAPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		WithService(device.QAServiceUUID).
		WithCharacteristic(device.QAControlUUID, "write").
		WithCharacteristic(device.QAEventsUUID, "notify")
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON replaces the device profile
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// WithDialError makes Dial fail
func (b *PeripheralDeviceBuilder) WithDialError(err error) *PeripheralDeviceBuilder {
	b.dialErr = err
	return b
}

// WithScanError makes Scan fail after delivering advertisements
func (b *PeripheralDeviceBuilder) WithScanError(err error) *PeripheralDeviceBuilder {
	b.scanErr = err
	return b
}

// WithWriteError makes every characteristic write fail
func (b *PeripheralDeviceBuilder) WithWriteError(err error) *PeripheralDeviceBuilder {
	b.writeErr = err
	return b
}

// OnWrite installs the firmware behaviour for command writes
func (b *PeripheralDeviceBuilder) OnWrite(h WriteHandler) *PeripheralDeviceBuilder {
	b.onWrite = h
	return b
}

// WithScanAdvertisements returns an AdvertisementArrayBuilder that will return this PeripheralDeviceBuilder on Build()
func (b *PeripheralDeviceBuilder) WithScanAdvertisements() *AdvertisementArrayBuilder[*PeripheralDeviceBuilder] {
	arrayBuilder := NewAdvertisementArrayBuilder[*PeripheralDeviceBuilder]()
	arrayBuilder.parent = b
	arrayBuilder.buildFunc = func(parent *PeripheralDeviceBuilder, ads []blelib.Advertisement) *PeripheralDeviceBuilder {
		parent.scanAdvertisements = append(parent.scanAdvertisements, ads...)
		return parent
	}
	return arrayBuilder
}

// parseCharacteristicProperties converts a comma separated property list to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharWrite | blelib.CharNotify
	}
	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "write-without-response":
			property |= blelib.CharWriteNR
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// MockPeripheral is the runtime side of a built mock: the host device, the client
// and the firmware hooks tests drive.
type MockPeripheral struct {
	Device *MockDevice
	Client *MockClient

	mu       sync.Mutex
	handlers map[string]blelib.NotificationHandler
	writes   [][]byte
	dropOnce sync.Once
}

// Notify delivers data on the characteristic as if the firmware sent it.
// It reports false when nobody is subscribed.
func (p *MockPeripheral) Notify(charUUID string, data []byte) bool {
	p.mu.Lock()
	h := p.handlers[device.NormalizeUUID(charUUID)]
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// NotifyEvent sends data on the QA event characteristic.
func (p *MockPeripheral) NotifyEvent(data string) bool {
	return p.Notify(device.QAEventsUUID, []byte(data))
}

// Writes returns every payload written so far.
func (p *MockPeripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Subscribed reports whether the characteristic currently has a handler.
func (p *MockPeripheral) Subscribed(charUUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[device.NormalizeUUID(charUUID)] != nil
}

// Drop simulates the radio link going away.
func (p *MockPeripheral) Drop() {
	p.dropOnce.Do(func() { close(p.Client.disconnected) })
}

// Build creates the mocked device with the configured profile
func (b *PeripheralDeviceBuilder) Build() *MockPeripheral {
	p := &MockPeripheral{
		Device:   &MockDevice{},
		Client:   NewMockClient(),
		handlers: make(map[string]blelib.NotificationHandler),
	}

	profile := &blelib.Profile{}
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
			})
		}
		profile.Services = append(profile.Services, svc)
	}

	if b.dialErr != nil {
		p.Device.On("Dial", mock.Anything, mock.Anything).Return(nil, b.dialErr)
	} else {
		p.Device.On("Dial", mock.Anything, mock.Anything).Return(p.Client, nil)
	}

	p.Device.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler := args.Get(2).(blelib.AdvHandler)
			for _, adv := range b.scanAdvertisements {
				handler(adv)
			}
		}).
		Return(b.scanErr)

	p.Client.On("DiscoverProfile", true).Return(profile, nil)
	p.Client.On("CancelConnection").Return(nil).Run(func(mock.Arguments) { p.Drop() })

	p.Client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			c := args.Get(0).(*blelib.Characteristic)
			p.mu.Lock()
			p.handlers[device.NormalizeUUID(c.UUID.String())] = args.Get(2).(blelib.NotificationHandler)
			p.mu.Unlock()
		}).
		Return(nil)

	p.Client.On("Unsubscribe", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			c := args.Get(0).(*blelib.Characteristic)
			p.mu.Lock()
			delete(p.handlers, device.NormalizeUUID(c.UUID.String()))
			p.mu.Unlock()
		}).
		Return(nil)

	p.Client.On("WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			data := append([]byte(nil), args.Get(1).([]byte)...)
			p.mu.Lock()
			p.writes = append(p.writes, data)
			p.mu.Unlock()
			if b.writeErr == nil && b.onWrite != nil {
				go b.onWrite(p, data)
			}
		}).
		Return(b.writeErr)

	return p
}
