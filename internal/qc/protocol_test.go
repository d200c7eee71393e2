package qc_test

import (
	"testing"

	"github.com/srg/blimqc/internal/qc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	// GOAL: Verify notifications decode once into structured, measurement, prompt or legacy events

	tests := []struct {
		name     string
		input    string
		legacy   bool
		expected qc.Event
	}{
		{
			name:  "structured result",
			input: `{"type":"test_result","id":"c1","test":"A","status":"PASS","details":"ok"}`,
			expected: qc.Event{
				Type: qc.EventTestResult, CorrelationID: "c1", Test: "A", Status: qc.StatusPass, Details: "ok",
			},
		},
		{
			name:     "structured result with unknown status",
			input:    `{"type":"test_result","test":"A","status":"maybe"}`,
			expected: qc.Event{Type: qc.EventUnrecognized},
		},
		{
			name:     "user prompt",
			input:    `{"type":"user_prompt","id":"c2","instruction":"Unplug the charger"}`,
			expected: qc.Event{Type: qc.EventUserPrompt, CorrelationID: "c2", Prompt: "Unplug the charger"},
		},
		{
			name:     "instruction waiting for user",
			input:    `{"type":"qa_instruction","wait_for_user":true,"details":"Press the button"}`,
			expected: qc.Event{Type: qc.EventUserPrompt, Prompt: "Press the button"},
		},
		{
			name:     "instruction without wait",
			input:    `{"type":"qa_instruction","details":"Starting"}`,
			expected: qc.Event{Type: qc.EventUnrecognized},
		},
		{
			name:  "measurement report",
			input: `{"kind":"mic_lr_test","payload":{"tone":{"rms_L":5000,"rms_R":4800.5},"label":"x"}}`,
			expected: qc.Event{
				Type: qc.EventTestResult, Test: "mic_lr_test",
				Measurements: map[string]float64{"tone.rms_L": 5000, "tone.rms_R": 4800.5},
			},
		},
		{
			name:     "legacy pass",
			input:    "LED PASS\x00\x00",
			legacy:   true,
			expected: qc.Event{Type: qc.EventTestResult, Status: qc.StatusPass, Details: "LED PASS"},
		},
		{
			name:     "legacy fail",
			input:    "speaker FAIL",
			legacy:   true,
			expected: qc.Event{Type: qc.EventTestResult, Status: qc.StatusFail, Details: "speaker FAIL"},
		},
		{
			name:     "legacy prompt",
			input:    "Please disconnect the battery",
			legacy:   true,
			expected: qc.Event{Type: qc.EventUserPrompt, Prompt: "Please disconnect the battery"},
		},
		{
			name:     "legacy prompt imperative",
			input:    "Press the power button",
			legacy:   true,
			expected: qc.Event{Type: qc.EventUserPrompt, Prompt: "Press the power button"},
		},
		{
			name:     "status connected is not a prompt",
			input:    "Battery connected",
			legacy:   true,
			expected: qc.Event{Type: qc.EventUnrecognized},
		},
		{
			name:     "pressure is not press",
			input:    "Sensor pressure nominal",
			legacy:   true,
			expected: qc.Event{Type: qc.EventUnrecognized},
		},
		{
			name:     "past tense is not a prompt",
			input:    "Removed 3 samples",
			legacy:   true,
			expected: qc.Event{Type: qc.EventUnrecognized},
		},
		{
			name:     "broken json falls back to text",
			input:    `{"type":"test_result", FAIL`,
			legacy:   true,
			expected: qc.Event{Type: qc.EventTestResult, Status: qc.StatusFail, Details: `{"type":"test_result", FAIL`},
		},
		{
			name:     "noise",
			input:    "booting...",
			legacy:   true,
			expected: qc.Event{Type: qc.EventUnrecognized},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := qc.DecodeFrame([]byte(tt.input)).Event()

			assert.Equal(t, tt.legacy, ev.Legacy)
			assert.NotEmpty(t, ev.Raw, "raw text MUST be kept for the log trail")
			ev.Raw, ev.Legacy = "", false
			assert.Equal(t, tt.expected, ev)
		})
	}
}

func TestDecodeFrame_InvalidUTF8(t *testing.T) {
	frame := qc.DecodeFrame([]byte{'P', 'A', 'S', 'S', 0xff})
	_, ok := frame.(*qc.LegacyTextFrame)
	require.True(t, ok)
	ev := frame.Event()
	assert.Equal(t, qc.StatusPass, ev.Status, "invalid bytes MUST be replaced, not rejected")
	assert.Contains(t, ev.Raw, "�")
}

func TestEnvelopeEncode(t *testing.T) {
	data, err := qc.Envelope{ID: "abc", Type: "led_test"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","type":"led_test","payload":{}}`, string(data))

	data, err = qc.Envelope{ID: "abc", Type: "t", Payload: qc.NewPayload("z", 1, "a", "b")}.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc","type":"t","payload":{"z":1,"a":"b"}}`, string(data))
}

func TestNewCorrelationID(t *testing.T) {
	a, b := qc.NewCorrelationID(), qc.NewCorrelationID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b, "correlation ids MUST be unique")
}
