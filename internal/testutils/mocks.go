package testutils

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice is a testify mock of the go-ble host device. Only the methods the link
// manager calls are mocked; anything else panics on the nil embedded interface.
type MockDevice struct {
	ble.Device
	mock.Mock
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

// MockClient is a testify mock of a go-ble client connection.
type MockClient struct {
	ble.Client
	mock.Mock

	disconnected chan struct{}
}

func NewMockClient() *MockClient {
	return &MockClient{disconnected: make(chan struct{})}
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *MockClient) CancelConnection() error {
	return m.Called().Error(0)
}

// Disconnected is closed by Drop to simulate the radio losing the link.
func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// MockAdvertisement is a testify mock of a received advertisement.
type MockAdvertisement struct {
	ble.Advertisement
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string { return m.Called().String(0) }
func (m *MockAdvertisement) RSSI() int         { return m.Called().Int(0) }
func (m *MockAdvertisement) Connectable() bool { return m.Called().Bool(0) }

func (m *MockAdvertisement) Addr() ble.Addr {
	a, _ := m.Called().Get(0).(ble.Addr)
	return a
}

func (m *MockAdvertisement) Services() []ble.UUID {
	u, _ := m.Called().Get(0).([]ble.UUID)
	return u
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	b, _ := m.Called().Get(0).([]byte)
	return b
}

// MockAddr is a testify mock of ble.Addr.
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string { return m.Called().String(0) }
