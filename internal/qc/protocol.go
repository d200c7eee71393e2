package qc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Envelope is the wire form of a test invocation on the command characteristic.
type Envelope struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Payload *Payload `json:"payload"`
}

// Encode returns the UTF-8 JSON bytes written to the unit under test.
func (e Envelope) Encode() ([]byte, error) {
	if e.Payload == nil {
		e.Payload = &Payload{}
	}
	return json.Marshal(e)
}

// IDGenerator produces correlation ids, one per command.
type IDGenerator func() string

// NewCorrelationID returns a random UUID string.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EventType classifies a decoded notification.
type EventType string

const (
	EventTestResult   EventType = "test_result"
	EventUserPrompt   EventType = "user_prompt"
	EventUnrecognized EventType = "unrecognized"
)

// Event is a decoded notification. It is consumed immediately and never stored.
type Event struct {
	Type EventType
	// Legacy is true when the event came from unstructured text and carries no test identity.
	Legacy bool

	CorrelationID string
	Test          string
	Status        Status // empty when the firmware reported only measurements
	Details       string
	Measurements  map[string]float64
	Prompt        string

	Raw string
}

// Frame is one inbound notification decoded at the listener boundary:
// either a StructuredFrame or a LegacyTextFrame.
type Frame interface {
	// Event interprets the frame.
	Event() Event
}

// StructuredFrame is a notification that parsed as a JSON object.
type StructuredFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Test        string          `json:"test"`
	Status      string          `json:"status"`
	Details     string          `json:"details"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Instruction string          `json:"instruction"`
	WaitForUser bool            `json:"wait_for_user"`
	Text        string          `json:"-"`
}

// LegacyTextFrame is a notification that is not a JSON object.
type LegacyTextFrame struct {
	Text string
}

// DecodeFrame decodes notification bytes once. Invalid UTF-8 is replaced, never rejected.
func DecodeFrame(data []byte) Frame {
	text := string(bytes.ToValidUTF8(data, []byte(string(utf8.RuneError))))
	text = strings.TrimRight(text, "\x00")
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "{") {
		var f StructuredFrame
		if err := json.Unmarshal([]byte(trimmed), &f); err == nil {
			f.Text = text
			return &f
		}
	}
	return &LegacyTextFrame{Text: text}
}

// Event interprets the structured frame.
func (f *StructuredFrame) Event() Event {
	ev := Event{Type: EventUnrecognized, Raw: f.Text, CorrelationID: f.ID}

	switch {
	case f.Type == string(EventTestResult):
		status, err := ParseStatus(strings.ToLower(f.Status))
		if err != nil {
			return ev
		}
		ev.Type = EventTestResult
		ev.Test = f.Test
		ev.Status = status
		ev.Details = f.Details
		if len(f.Payload) > 0 {
			ev.Measurements = flattenMeasurements(f.Payload)
		}

	case f.Type == string(EventUserPrompt) || (f.Type == "qa_instruction" && f.WaitForUser):
		ev.Type = EventUserPrompt
		ev.Test = f.Test
		ev.Prompt = f.Instruction
		if ev.Prompt == "" {
			ev.Prompt = f.Details
		}

	case f.Kind != "" && len(f.Payload) > 0:
		// Measurement report: {"kind": <test>, "payload": {...}}
		ev.Type = EventTestResult
		ev.Test = f.Kind
		ev.Measurements = flattenMeasurements(f.Payload)
		if status, err := ParseStatus(strings.ToLower(f.Status)); err == nil {
			ev.Status = status
		}
		ev.Details = f.Details
	}
	return ev
}

// promptPattern matches manual-action verbs as whole words, so status lines such as
// "Battery connected" or "Sensor pressure nominal" are not operator instructions.
var promptPattern = regexp.MustCompile(`(?i)\b(disconnect|reconnect|connect|unplug|plug in|insert|remove|press|turn on|turn off)\b`)

// Event interprets legacy text: PASS/FAIL markers first, then manual-action phrases.
func (f *LegacyTextFrame) Event() Event {
	ev := Event{Type: EventUnrecognized, Legacy: true, Raw: f.Text}
	text := strings.TrimSpace(f.Text)

	switch {
	case strings.Contains(text, "PASS"):
		ev.Type, ev.Status, ev.Details = EventTestResult, StatusPass, text
	case strings.Contains(text, "FAIL"):
		ev.Type, ev.Status, ev.Details = EventTestResult, StatusFail, text
	case promptPattern.MatchString(text):
		ev.Type, ev.Prompt = EventUserPrompt, text
	}
	return ev
}

// flattenMeasurements collects numeric leaves of a JSON object under dotted keys.
func flattenMeasurements(raw json.RawMessage) map[string]float64 {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	out := make(map[string]float64)
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				walk(key, child)
			}
		case float64:
			out[prefix] = t
		}
	}
	walk("", v)
	if len(out) == 0 {
		return nil
	}
	return out
}

// formatMeasurements renders measurements in key order for result details.
func formatMeasurements(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.1f", k, m[k])
	}
	return strings.Join(parts, ", ")
}
