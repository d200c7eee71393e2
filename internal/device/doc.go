// Package device defines the link abstraction the QC orchestrator drives:
// discovering and opening a session to a unit under test, the command/event
// characteristic pair of its QA service, and the typed errors surfaced when a
// session cannot be established.
//
// The go-ble backed implementation lives in the go-ble subpackage.
package device
