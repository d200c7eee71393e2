package testutils

import (
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	goble "github.com/srg/blimqc/internal/device/go-ble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite swaps the go-ble DeviceFactory for a mocked QA peripheral.
//
// Custom firmware behaviour:
//
//	type ManagerSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func (s *ManagerSuite) SetupTest() {
//	    s.WithPeripheral().OnWrite(func(p *testutils.MockPeripheral, data []byte) {
//	        p.NotifyEvent(`{"type":"test_result","test":"A","status":"pass"}`)
//	    })
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (blelib.Device, error)

	// PeripheralBuilder is applied by SetupTest; nil means the default QA peripheral.
	PeripheralBuilder *PeripheralDeviceBuilder
	// Peripheral is the mock built for the current test.
	Peripheral *MockPeripheral
}

// SetupSuite is called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.OriginalDeviceFactory = goble.DeviceFactory

	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			goble.DeviceFactory = s.OriginalDeviceFactory
		}
	})
}

// SetupTest builds the peripheral and installs it as the device factory.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewQAPeripheralBuilder()
	}
	s.Peripheral = s.PeripheralBuilder.Build()

	peripheral := s.Peripheral
	goble.DeviceFactory = func() (blelib.Device, error) {
		return peripheral.Device, nil
	}
	s.Logger.Debug("Test setup completed - mock peripheral installed")
}

// TearDownTest restores the factory and clears the builder.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	s.PeripheralBuilder = nil
	s.Peripheral = nil
}

// WithPeripheral returns the peripheral builder for configuration in SetupTest,
// starting from the QA profile.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewQAPeripheralBuilder()
	}
	return s.PeripheralBuilder
}
