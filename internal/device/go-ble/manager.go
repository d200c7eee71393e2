package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/device"
)

const (
	// DefaultScanTimeout is how long Connect scans for a matching advertisement.
	DefaultScanTimeout = 7 * time.Second

	// DefaultConnectTimeout bounds dialing a selected device.
	DefaultConnectTimeout = 30 * time.Second
)

// Options tunes the go-ble link manager.
type Options struct {
	// WriteChunkSize splits command writes into pieces of this many bytes; 0 writes in one call.
	WriteChunkSize int
	// WriteChunkDelay is the pause between consecutive chunks.
	WriteChunkDelay time.Duration
}

// Manager implements device.LinkManager and device.Scanner on top of go-ble.
type Manager struct {
	logger *logrus.Logger
	opts   Options

	mu  sync.Mutex
	dev ble.Device
}

// NewManager creates a link manager. The host adapter is opened lazily on first use.
func NewManager(logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{logger: logger}
	if opts != nil {
		m.opts = *opts
	}
	return m
}

// adapter returns the host BLE device, creating it on first use
func (m *Manager) adapter() (ble.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev != nil {
		return m.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		m.logger.WithError(err).Error("Failed to open BLE adapter")
		return nil, classifyLinkError(context.Background(), err, device.AdapterUnavailable, "failed to open BLE adapter")
	}
	m.dev = dev
	return dev, nil
}

// Connect selects a device matching filter and opens a link to it.
// With an explicit address the scan is skipped.
func (m *Manager) Connect(ctx context.Context, filter *device.Filter) (device.UnitUnderTest, error) {
	if filter == nil {
		filter = &device.Filter{NameContains: DefaultNameFilters}
	}

	dev, err := m.adapter()
	if err != nil {
		return nil, err
	}

	target := device.DeviceInfo{Address: filter.Address}
	if target.Address == "" {
		target, err = m.findFirst(ctx, dev, filter)
		if err != nil {
			return nil, err
		}
	}

	connectTimeout := filter.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	fields := logrus.Fields{"address": target.Address, "name": target.Name, "timeout": connectTimeout}
	m.logger.WithFields(fields).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := dev.Dial(connCtx, ble.NewAddr(target.Address))
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("Failed to dial BLE device")
		return nil, classifyLinkError(ctx, err, device.NotFound,
			fmt.Sprintf("failed to connect to device with address %q", target.Address))
	}

	link := newLink(client, target.Address, target.Name, m.logger)
	m.logger.WithFields(fields).Info("BLE device connected")
	return link, nil
}

// findFirst scans until the first advertisement matching the filter
func (m *Manager) findFirst(ctx context.Context, dev ble.Device, filter *device.Filter) (device.DeviceInfo, error) {
	scanTimeout := filter.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found device.DeviceInfo
		hit   bool
	)
	m.logger.WithField("timeout", scanTimeout).Info("Scanning for unit under test...")
	err := dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		info := deviceInfoFromAdvertisement(adv)
		if !matchesFilter(info, filter) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !hit {
			found, hit = info, true
			cancel()
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if hit {
		m.logger.WithFields(logrus.Fields{
			"address": found.Address,
			"name":    found.Name,
			"rssi":    found.RSSI,
		}).Info("Selected unit under test")
		return found, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return device.DeviceInfo{}, device.NewLinkError(device.UserCancelled, "scan cancelled", ctx.Err())
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return device.DeviceInfo{}, classifyLinkError(ctx, err, device.AdapterUnavailable, "scan failed")
	}
	return device.DeviceInfo{}, device.NewLinkError(device.NotFound,
		fmt.Sprintf("no matching device advertised within %v", scanTimeout), nil)
}

// Discover resolves the QA service and its command/event characteristics on a connected link.
func (m *Manager) Discover(uut device.UnitUnderTest, profile *device.ServiceProfile) (*device.Channels, error) {
	link, ok := uut.(*Link)
	if !ok {
		return nil, fmt.Errorf("unit under test %T was not opened by this manager", uut)
	}
	if !link.isConnected() {
		return nil, device.ErrNotConnected
	}
	if profile == nil {
		profile = device.DefaultServiceProfile()
	}

	m.logger.WithField("address", link.address).Debug("Discovering services and characteristics...")
	p, err := link.client.DiscoverProfile(true)
	if err != nil {
		m.logger.WithField("address", link.address).WithError(err).Error("Failed to discover profile")
		return nil, device.NewLinkError(device.ServiceNotFound, "failed to discover profile", NormalizeError(err))
	}

	svcUUID := device.NormalizeUUID(profile.Service)
	var svc *ble.Service
	for _, s := range p.Services {
		if device.NormalizeUUID(s.UUID.String()) == svcUUID {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, device.NewLinkError(device.ServiceNotFound, "",
			&device.NotFoundError{Resource: "service", UUIDs: []string{profile.Service}})
	}

	cmdChar := findCharacteristic(svc, profile.Command)
	if cmdChar == nil {
		return nil, device.NewLinkError(device.ServiceNotFound, "",
			&device.NotFoundError{Resource: "characteristic", UUIDs: []string{profile.Service, profile.Command}})
	}
	if cmdChar.Property&(ble.CharWrite|ble.CharWriteNR) == 0 {
		return nil, device.NewLinkError(device.ServiceNotFound,
			fmt.Sprintf("characteristic %s does not support write operations", profile.Command), nil)
	}

	evtChar := findCharacteristic(svc, profile.Event)
	if evtChar == nil {
		return nil, device.NewLinkError(device.ServiceNotFound, "",
			&device.NotFoundError{Resource: "characteristic", UUIDs: []string{profile.Service, profile.Event}})
	}
	if evtChar.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, device.NewLinkError(device.ServiceNotFound,
			fmt.Sprintf("characteristic %s does not support notifications", profile.Event), nil)
	}

	m.logger.WithFields(logrus.Fields{
		"address": link.address,
		"service": svcUUID,
	}).Info("QA service discovered")

	return &device.Channels{
		Command: &CommandCharacteristic{
			uuid:      device.NormalizeUUID(profile.Command),
			char:      cmdChar,
			link:      link,
			chunkSize: m.opts.WriteChunkSize,
			chunkGap:  m.opts.WriteChunkDelay,
		},
		Event: &EventCharacteristic{
			uuid:     device.NormalizeUUID(profile.Event),
			char:     evtChar,
			indicate: evtChar.Property&ble.CharNotify == 0,
			link:     link,
		},
	}, nil
}

func findCharacteristic(svc *ble.Service, uuid string) *ble.Characteristic {
	want := device.NormalizeUUID(uuid)
	for _, c := range svc.Characteristics {
		if device.NormalizeUUID(c.UUID.String()) == want {
			return c
		}
	}
	return nil
}

// Disconnect closes the link. It is idempotent.
func (m *Manager) Disconnect(uut device.UnitUnderTest) error {
	link, ok := uut.(*Link)
	if !ok {
		return fmt.Errorf("unit under test %T was not opened by this manager", uut)
	}
	return link.close()
}
