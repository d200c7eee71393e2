package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/device"
	"github.com/srg/blimqc/internal/groutine"
)

// Link is a live BLE session to a unit under test. It implements device.UnitUnderTest.
type Link struct {
	client  ble.Client
	address string
	name    string
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	writeMutex sync.Mutex // serializes writes on the command characteristic

	mu        sync.Mutex
	events    []*EventCharacteristic
	closeOnce sync.Once
	closeErr  error
}

func newLink(client ble.Client, address, name string, logger *logrus.Logger) *Link {
	ctx, cancel := context.WithCancelCause(context.Background())
	l := &Link{
		client:  client,
		address: address,
		name:    name,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	l.monitor()
	return l
}

// monitor watches the go-ble client Disconnected() channel and turns an
// unexpected disconnection into a cancelled link context.
func (l *Link) monitor() {
	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.Debug("Client does not support Disconnected() channel, link loss will not be detected")
		return
	}

	groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
		select {
		case <-dc.Disconnected():
			if l.ctx.Err() == nil {
				l.logger.WithField("address", l.address).Warn("Link lost, cancelling link context")
			}
			l.cancel(device.ErrLinkLost)
		case <-l.ctx.Done():
		}
	})
}

func (l *Link) Address() string { return l.address }

func (l *Link) Name() string {
	if l.name == "" {
		return l.address
	}
	return l.name
}

// Lost is closed once the link is gone.
func (l *Link) Lost() <-chan struct{} {
	return l.ctx.Done()
}

// Cause reports why the link went away: device.ErrLinkLost or device.ErrDisconnected.
func (l *Link) Cause() error {
	if l.ctx.Err() == nil {
		return nil
	}
	return context.Cause(l.ctx)
}

func (l *Link) isConnected() bool {
	return l.ctx.Err() == nil
}

func (l *Link) trackEvents(c *EventCharacteristic) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, c)
}

// close tears the session down once. Subsequent calls return the first result.
func (l *Link) close() error {
	l.closeOnce.Do(func() {
		wasLost := !l.isConnected()

		l.mu.Lock()
		events := l.events
		l.events = nil
		l.mu.Unlock()

		var errs []error
		if !wasLost {
			for _, c := range events {
				if err := c.Unsubscribe(); err != nil {
					errs = append(errs, err)
				}
			}
		}

		l.cancel(device.ErrDisconnected)

		if err := l.client.CancelConnection(); err != nil {
			errs = append(errs, fmt.Errorf("failed to cancel connection: %w", NormalizeError(err)))
		}

		l.closeErr = errors.Join(errs...)
		fields := logrus.Fields{"address": l.address}
		if l.closeErr != nil {
			l.logger.WithFields(fields).WithError(l.closeErr).Warn("BLE device disconnected with errors")
		} else {
			l.logger.WithFields(fields).Info("BLE device disconnected")
		}
	})
	return l.closeErr
}
