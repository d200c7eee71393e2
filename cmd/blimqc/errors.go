package main

import (
	"errors"
	"fmt"

	"github.com/srg/blimqc/internal/device"
	"github.com/srg/blimqc/internal/filelock"
)

// Command-level errors
var (
	// ErrQCFailed is returned by run when the unit completed the plan with a failing verdict.
	// It is not an operational error and main exits with status 2 without printing it.
	ErrQCFailed = errors.New("unit failed QC")
)

// FormatUserError turns link and session errors into operator-facing messages with a retry hint.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var hint string
	switch {
	case errors.Is(err, filelock.ErrUnitBusy):
		hint = "another QC session is using this unit; wait for it to finish"
	case errors.Is(err, device.ErrDeviceNotFound):
		hint = "check the unit is powered on and advertising, then retry"
	case errors.Is(err, device.ErrPermissionDenied):
		hint = "grant Bluetooth permission to this terminal (or run with the required privileges), then retry"
	case errors.Is(err, device.ErrAdapterUnavailable):
		hint = "turn Bluetooth on or plug in the adapter, then retry"
	case errors.Is(err, device.ErrServiceNotFound):
		hint = "the unit does not expose the QA service; flash QA firmware and retry"
	case errors.Is(err, device.ErrUserCancelled):
		return "cancelled"
	case errors.Is(err, device.ErrNotConnected):
		hint = "the unit disconnected; reconnect and retry"
	}

	if hint == "" {
		return err.Error()
	}
	return fmt.Sprintf("%s\n  hint: %s", err.Error(), hint)
}
