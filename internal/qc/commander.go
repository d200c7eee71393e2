package qc

import (
	"fmt"
	"time"

	"github.com/srg/blimqc/internal/device"
)

// DefaultCommandWriteTimeout bounds a single command write.
const DefaultCommandWriteTimeout = 5 * time.Second

// SendError reports that a test command could not be written.
type SendError struct {
	Test string
	ID   string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send command for test %q (id %s): %v", e.Test, e.ID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Commander encodes test invocations and writes them to the command channel.
// It never retries; the caller decides policy.
type Commander struct {
	ch           device.CommandChannel
	newID        IDGenerator
	writeTimeout time.Duration
}

// NewCommander creates a Commander. A nil ids generator uses NewCorrelationID.
func NewCommander(ch device.CommandChannel, ids IDGenerator, writeTimeout time.Duration) *Commander {
	if ids == nil {
		ids = NewCorrelationID
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultCommandWriteTimeout
	}
	return &Commander{ch: ch, newID: ids, writeTimeout: writeTimeout}
}

// Send writes the envelope for test with a fresh correlation id and returns it.
// The envelope is returned even on failure so the caller can log the id.
func (c *Commander) Send(test TestDefinition) (Envelope, []byte, error) {
	env := Envelope{
		ID:      c.newID(),
		Type:    test.CommandType,
		Payload: test.Payload,
	}
	data, err := env.Encode()
	if err != nil {
		return env, nil, &SendError{Test: test.Name, ID: env.ID, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := c.ch.Write(data, true, c.writeTimeout); err != nil {
		return env, data, &SendError{Test: test.Name, ID: env.ID, Err: err}
	}
	return env, data, nil
}
