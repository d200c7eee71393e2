package qc

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/device"
	"github.com/srg/blimqc/internal/groutine"
)

// Listener decodes event notifications and forwards them in arrival order.
// It never drops, deduplicates or filters; interpretation belongs to the sequencer.
type Listener struct {
	logger   *logrus.Logger
	recorder Recorder
	clock    clock.Clock

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	closed bool

	events  device.EventChannel
	stop    context.CancelFunc
	done    <-chan struct{}
	onEvent func(Event)
}

// NewListener creates a listener. The recorder receives every raw notification,
// stamped by clk (wall clock when nil).
func NewListener(logger *logrus.Logger, recorder Recorder, clk clock.Clock) *Listener {
	if logger == nil {
		logger = logrus.New()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Listener{
		logger:   logger,
		recorder: recorder,
		clock:    clk,
		signal:   make(chan struct{}, 1),
	}
}

// Subscribe starts receiving notifications from events; onEvent is called from a single
// goroutine, one event at a time, in arrival order.
func (l *Listener) Subscribe(events device.EventChannel, onEvent func(Event)) error {
	l.events = events
	l.onEvent = onEvent

	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	l.done = groutine.Go(ctx, "qc-event-listener", l.dispatch)

	if err := events.Subscribe(l.handleNotification); err != nil {
		cancel()
		<-l.done
		return err
	}
	return nil
}

// handleNotification runs on the BLE stack's callback goroutine; it must not block.
func (l *Listener) handleNotification(data []byte) {
	frame := DecodeFrame(data)
	ev := frame.Event()
	l.recorder.Append(Entry{Type: EntryRX, Message: ev.Raw, Timestamp: l.clock.Now()})

	fields := logrus.Fields{"type": ev.Type, "legacy": ev.Legacy}
	if ev.Test != "" {
		fields["test"] = ev.Test
	}
	l.logger.WithFields(fields).Debug("Notification decoded")

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Listener) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.signal:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 || l.closed {
				l.mu.Unlock()
				break
			}
			ev := l.queue[0]
			l.queue[0] = Event{}
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.onEvent(ev)
		}
	}
}

// Close unsubscribes and stops delivery. Pending events are discarded.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	var err error
	if l.events != nil {
		err = l.events.Unsubscribe()
	}
	if l.stop != nil {
		l.stop()
		<-l.done
	}
	return err
}
