package goble

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blimqc/internal/device"
)

// DefaultWriteTimeout bounds a single command write when the caller passes zero.
const DefaultWriteTimeout = 5 * time.Second

// CommandCharacteristic writes encoded commands to the QA control characteristic.
type CommandCharacteristic struct {
	uuid      string
	char      *ble.Characteristic
	link      *Link
	chunkSize int
	chunkGap  time.Duration
}

func (c *CommandCharacteristic) UUID() string { return c.uuid }

// Write sends data to the characteristic, split into chunkSize pieces when chunking is enabled.
// The call gives up after timeout, leaving the in-flight write to the BLE stack.
func (c *CommandCharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	if !c.link.isConnected() {
		return device.ErrNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if withResponse && c.char.Property&ble.CharWrite == 0 {
		withResponse = false
	}

	resultCh := make(chan error, 1)
	go func() {
		c.link.writeMutex.Lock()
		defer c.link.writeMutex.Unlock()
		resultCh <- c.writeChunks(data, withResponse)
	}()

	select {
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, NormalizeError(err))
		}
		return nil
	case <-c.link.Lost():
		return fmt.Errorf("write to characteristic %s: %w", c.uuid, device.ErrNotConnected)
	case <-time.After(timeout):
		return fmt.Errorf("write to characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}

func (c *CommandCharacteristic) writeChunks(data []byte, withResponse bool) error {
	if c.chunkSize <= 0 {
		return c.link.client.WriteCharacteristic(c.char, data, !withResponse)
	}
	for len(data) > 0 {
		n := min(len(data), c.chunkSize)
		if err := c.link.client.WriteCharacteristic(c.char, data[:n], !withResponse); err != nil {
			return err
		}
		data = data[n:]
		if len(data) > 0 && c.chunkGap > 0 {
			time.Sleep(c.chunkGap)
		}
	}
	return nil
}

// EventCharacteristic delivers QA event notifications.
type EventCharacteristic struct {
	uuid     string
	char     *ble.Characteristic
	indicate bool
	link     *Link

	mu         sync.Mutex
	subscribed bool
}

func (c *EventCharacteristic) UUID() string { return c.uuid }

// Subscribe enables notifications. The handler receives a private copy of each payload.
func (c *EventCharacteristic) Subscribe(handler func(data []byte)) error {
	if !c.link.isConnected() {
		return device.ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return fmt.Errorf("characteristic %s: already subscribed", c.uuid)
	}

	err := c.link.client.Subscribe(c.char, c.indicate, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", c.uuid, NormalizeError(err))
	}

	c.subscribed = true
	c.link.trackEvents(c)
	c.link.logger.WithField("char_uuid", c.uuid).Info("Subscribed to event notifications")
	return nil
}

// Unsubscribe disables notifications. Safe to call when not subscribed.
func (c *EventCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed {
		return nil
	}
	c.subscribed = false

	if err := c.link.client.Unsubscribe(c.char, c.indicate); err != nil {
		return fmt.Errorf("failed to unsubscribe from characteristic %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}
