package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blimqc/internal/device"
)

// NormalizeError maps known go-ble error strings to structured device errors.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "unsupported platform"):
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	case containsIgnoreCase(msg, "unauthorized"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", device.ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	default:
		return err
	}
}

// classifyLinkError turns an error from scan/dial into a LinkError.
// Context cancellation by the caller is UserCancelled; anything unrecognized gets fallback.
func classifyLinkError(parent context.Context, err error, fallback device.LinkErrorKind, msg string) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return device.NewLinkError(device.UserCancelled, msg, err)
	}

	normalized := NormalizeError(err)
	if kind := device.LinkErrorKindOf(normalized); kind != "" {
		return device.NewLinkError(kind, msg, err)
	}
	return device.NewLinkError(fallback, msg, err)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
