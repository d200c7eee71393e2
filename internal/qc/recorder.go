package qc

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EntryType classifies a log trail entry.
type EntryType string

const (
	EntryTX     EntryType = "tx"
	EntryRX     EntryType = "rx"
	EntryState  EntryType = "state"
	EntryResult EntryType = "result"
	EntryPrompt EntryType = "prompt"
	EntryError  EntryType = "error"
	EntryInfo   EntryType = "info"
)

// Entry is one observation in the session trail.
type Entry struct {
	Type      EntryType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEntry stamps an entry with the current time.
func NewEntry(t EntryType, msg string) Entry {
	return Entry{Type: t, Message: msg, Timestamp: time.Now()}
}

// Recorder is an append-only observational trail. Nothing in the sequencer reads it back.
type Recorder interface {
	Append(e Entry)
}

// NopRecorder discards entries.
type NopRecorder struct{}

func (NopRecorder) Append(Entry) {}

// MemoryRecorder keeps entries in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *MemoryRecorder) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Entries returns a copy of the trail.
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// LogrusRecorder forwards entries to a logger.
type LogrusRecorder struct {
	Logger *logrus.Logger
}

func (r LogrusRecorder) Append(e Entry) {
	level := logrus.InfoLevel
	if e.Type == EntryError {
		level = logrus.ErrorLevel
	}
	r.Logger.WithFields(logrus.Fields{
		"entry": e.Type,
		"ts":    e.Timestamp.Format(time.RFC3339Nano),
	}).Log(level, e.Message)
}

// MultiRecorder fans entries out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Append(e Entry) {
	for _, r := range m {
		r.Append(e)
	}
}
