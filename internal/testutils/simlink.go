package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/srg/blimqc/internal/device"
)

// SimCommand is a decoded command envelope received by the simulated firmware.
type SimCommand struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Raw     []byte         `json:"-"`
}

// Firmware reacts to commands. It runs on its own goroutine per command and may
// sleep, notify or drop the link.
type Firmware func(unit *SimUnit, cmd SimCommand)

// SimLink is an in-memory device.LinkManager standing in for a unit under test.
// Use it inside testing/synctest bubbles to get deterministic timing.
type SimLink struct {
	Address string
	Name    string

	ConnectErr  error
	DiscoverErr error
	// WriteErr fails every command write.
	WriteErr error
	// DropOnWrite loses the link while the first command is being written.
	DropOnWrite bool
	Firmware    Firmware

	mu          sync.Mutex
	unit        *SimUnit
	connects    int
	disconnects int
	commands    []SimCommand
}

// NewSimLink creates a simulated link whose firmware is fw.
func NewSimLink(fw Firmware) *SimLink {
	return &SimLink{Address: "AA:BB:CC:DD:EE:FF", Name: "DINO-QA-SIM", Firmware: fw}
}

// Connect opens a fresh unit per call.
func (l *SimLink) Connect(ctx context.Context, _ *device.Filter) (device.UnitUnderTest, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.NewLinkError(device.UserCancelled, "connect cancelled", err)
	}
	if l.ConnectErr != nil {
		return nil, l.ConnectErr
	}
	ctxU, cancel := context.WithCancelCause(context.Background())
	u := &SimUnit{link: l, ctx: ctxU, cancel: cancel}
	l.mu.Lock()
	l.unit = u
	l.connects++
	l.mu.Unlock()
	return u, nil
}

// Discover returns the command/event pair of the unit.
func (l *SimLink) Discover(uut device.UnitUnderTest, profile *device.ServiceProfile) (*device.Channels, error) {
	if l.DiscoverErr != nil {
		return nil, l.DiscoverErr
	}
	u := uut.(*SimUnit)
	if profile == nil {
		profile = device.DefaultServiceProfile()
	}
	return &device.Channels{
		Command: &simCommand{unit: u, uuid: profile.Command},
		Event:   &simEvents{unit: u, uuid: profile.Event},
	}, nil
}

// Disconnect closes the unit. It is idempotent.
func (l *SimLink) Disconnect(uut device.UnitUnderTest) error {
	u, ok := uut.(*SimUnit)
	if !ok || u == nil {
		return errors.New("unknown unit")
	}
	l.mu.Lock()
	if u.ctx.Err() == nil {
		l.disconnects++
	}
	l.mu.Unlock()
	u.cancel(device.ErrDisconnected)
	return nil
}

// Unit returns the most recently connected unit.
func (l *SimLink) Unit() *SimUnit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unit
}

// Commands returns every command received across sessions.
func (l *SimLink) Commands() []SimCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SimCommand, len(l.commands))
	copy(out, l.commands)
	return out
}

// Connects and Disconnects count link lifecycle calls.
func (l *SimLink) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

func (l *SimLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// SimUnit is the simulated unit under test.
type SimUnit struct {
	link   *SimLink
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	handler func([]byte)
}

func (u *SimUnit) Address() string       { return u.link.Address }
func (u *SimUnit) Name() string          { return u.link.Name }
func (u *SimUnit) Lost() <-chan struct{} { return u.ctx.Done() }

func (u *SimUnit) Cause() error {
	if u.ctx.Err() == nil {
		return nil
	}
	return context.Cause(u.ctx)
}

// Notify emits a notification on the event channel. Dropped when nobody listens
// or the link is gone.
func (u *SimUnit) Notify(data string) {
	if u.ctx.Err() != nil {
		return
	}
	u.mu.Lock()
	h := u.handler
	u.mu.Unlock()
	if h != nil {
		h([]byte(data))
	}
}

// NotifyJSON marshals v and emits it.
func (u *SimUnit) NotifyJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	u.Notify(string(data))
}

// After sleeps for d unless the link goes away first; it reports whether the link is still up.
func (u *SimUnit) After(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return u.ctx.Err() == nil
	case <-u.ctx.Done():
		return false
	}
}

// Drop simulates the radio losing the link.
func (u *SimUnit) Drop() {
	u.cancel(device.ErrLinkLost)
}

type simCommand struct {
	unit *SimUnit
	uuid string
}

func (c *simCommand) UUID() string { return c.uuid }

func (c *simCommand) Write(data []byte, _ bool, _ time.Duration) error {
	if c.unit.ctx.Err() != nil {
		return device.ErrNotConnected
	}
	if c.unit.link.DropOnWrite {
		c.unit.Drop()
		return device.ErrNotConnected
	}
	if c.unit.link.WriteErr != nil {
		return c.unit.link.WriteErr
	}
	var cmd SimCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	cmd.Raw = append([]byte(nil), data...)

	l := c.unit.link
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.mu.Unlock()

	if l.Firmware != nil {
		go l.Firmware(c.unit, cmd)
	}
	return nil
}

type simEvents struct {
	unit *SimUnit
	uuid string
}

func (e *simEvents) UUID() string { return e.uuid }

func (e *simEvents) Subscribe(handler func([]byte)) error {
	e.unit.mu.Lock()
	defer e.unit.mu.Unlock()
	e.unit.handler = handler
	return nil
}

func (e *simEvents) Unsubscribe() error {
	e.unit.mu.Lock()
	defer e.unit.mu.Unlock()
	e.unit.handler = nil
	return nil
}
