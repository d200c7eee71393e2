package qc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/device"
	"github.com/srg/blimqc/internal/groutine"
)

var (
	// ErrSessionActive is returned by Start when the sequencer is not Idle. Call Reset first.
	ErrSessionActive = errors.New("qc session already started; reset required")
	// ErrNoSession is returned when an operation needs a started session.
	ErrNoSession = errors.New("no qc session")
	// ErrNotAwaitingUser is returned by Acknowledge outside AwaitingUserAction.
	ErrNotAwaitingUser = errors.New("no operator action pending")
	// ErrSessionReset is returned by Wait when Reset ended the session.
	ErrSessionReset = errors.New("qc session reset")
)

// Prompt is a manual-action request surfaced to the operator.
type Prompt struct {
	Index   int
	Test    string
	Message string
}

// Options configures a Sequencer. A nil Options uses defaults.
type Options struct {
	Logger   *logrus.Logger
	Recorder Recorder
	Clock    clock.Clock
	IDs      IDGenerator
	Profile  *device.ServiceProfile
	// StrictCorrelation disables attributing identity-less (legacy text) results to the active test.
	StrictCorrelation bool
	WriteTimeout      time.Duration
	Sinks             []ReportSink
}

// session is everything that lives between Start and Reset.
type session struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	uut      device.UnitUnderTest
	listener *Listener
	cmd      *Commander
	events   chan Event
	acks     chan int // index of the acknowledged test
	loopDone <-chan struct{}
	done     chan struct{}

	report *Report
	err    error
}

// Sequencer drives a unit under test through a test plan. It is the only writer of
// test results; all transitions happen on one goroutine per session.
type Sequencer struct {
	links      device.LinkManager
	logger     *logrus.Logger
	recorder   Recorder
	clock      clock.Clock
	ids        IDGenerator
	profile    *device.ServiceProfile
	strict     bool
	writeTO    time.Duration
	aggregator *Aggregator
	prompts    chan Prompt

	mu      sync.Mutex
	state   State
	plan    *Plan
	results []TestResult
	current int
	corrID  string
	gen     uint64
	connect context.CancelFunc
	sess    *session
}

// NewSequencer creates a sequencer that opens sessions through links.
func NewSequencer(links device.LinkManager, opts *Options) *Sequencer {
	if opts == nil {
		opts = &Options{}
	}
	s := &Sequencer{
		links:    links,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		clock:    opts.Clock,
		ids:      opts.IDs,
		profile:  opts.Profile,
		strict:   opts.StrictCorrelation,
		writeTO:  opts.WriteTimeout,
		prompts:  make(chan Prompt, 16),
		current:  -1,
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}
	if s.recorder == nil {
		s.recorder = NopRecorder{}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.profile == nil {
		s.profile = device.DefaultServiceProfile()
	}
	s.aggregator = NewAggregator(s.clock, s.logger, opts.Sinks...)
	return s
}

// State returns the current sequencer state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the index of the active test, or -1.
func (s *Sequencer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Results returns a snapshot of the per-test results.
func (s *Sequencer) Results() []TestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TestResult, len(s.results))
	copy(out, s.results)
	return out
}

// Prompts delivers manual-action requests. The channel is never closed.
func (s *Sequencer) Prompts() <-chan Prompt {
	return s.prompts
}

// Start connects to a unit matching filter and begins running plan. It blocks through
// connect and discovery; on failure the LinkError is returned and the sequencer stays Idle.
func (s *Sequencer) Start(ctx context.Context, plan *Plan, filter *device.Filter) error {
	if plan == nil {
		return errors.New("plan is required")
	}
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != StateIdle || s.sess != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.gen++
	gen := s.gen
	s.plan = plan
	s.results = make([]TestResult, plan.Len())
	for i, t := range plan.Tests() {
		s.results[i] = TestResult{TestName: t.Name, Status: StatusPending}
	}
	s.current = -1
	s.connect = cancel
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	sess, err := s.open(ctx, connectCtx, filter)

	s.mu.Lock()
	s.connect = nil
	if err == nil && s.gen != gen {
		err = device.NewLinkError(device.UserCancelled, "session reset while connecting", ErrSessionReset)
	}
	if err != nil {
		if s.gen == gen {
			s.setStateLocked(StateIdle)
		}
		s.mu.Unlock()
		if sess != nil {
			s.teardown(sess)
		}
		s.recorder.Append(s.entry(EntryError, err.Error()))
		s.logger.WithError(err).Warn("QC session failed to start")
		return err
	}
	s.sess = sess
	s.mu.Unlock()

	sess.loopDone = groutine.Go(sess.ctx, "qc-sequencer", func(ctx context.Context) {
		s.run(ctx, sess)
	})
	return nil
}

// open connects and discovers with connectCtx. The session itself lives under parent,
// so operator cancellation after Start abandons it.
func (s *Sequencer) open(parent, connectCtx context.Context, filter *device.Filter) (*session, error) {
	uut, err := s.links.Connect(connectCtx, filter)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"address": uut.Address(),
		"name":    uut.Name(),
	}).Info("Connected to unit under test")
	s.recorder.Append(s.entry(EntryInfo, fmt.Sprintf("connected to %s (%s)", uut.Address(), uut.Name())))

	sessCtx, cancel := context.WithCancelCause(parent)
	sess := &session{
		ctx:    sessCtx,
		cancel: cancel,
		uut:    uut,
		events: make(chan Event),
		acks:   make(chan int, 1),
		done:   make(chan struct{}),
	}

	channels, err := s.links.Discover(uut, s.profile)
	if err != nil {
		return sess, err
	}

	sess.cmd = NewCommander(channels.Command, s.ids, s.writeTO)
	sess.listener = NewListener(s.logger, s.recorder, s.clock)
	if err := sess.listener.Subscribe(channels.Event, func(ev Event) {
		select {
		case sess.events <- ev:
		case <-sessCtx.Done():
		}
	}); err != nil {
		sess.listener = nil
		return sess, device.NewLinkError(device.ServiceNotFound, "failed to subscribe to events", err)
	}
	return sess, nil
}

// Done is closed when the current session ends. It is nil before Start.
func (s *Sequencer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess.done
}

// Wait blocks until the session completes and returns its report. A non-nil report may
// come with an error when a report sink failed.
func (s *Sequencer) Wait(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil, ErrNoSession
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sess.done:
		return sess.report, sess.err
	}
}

// Acknowledge confirms the operator performed the requested action.
func (s *Sequencer) Acknowledge() error {
	s.mu.Lock()
	sess, state, index := s.sess, s.state, s.current
	s.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if state != StateAwaitingUserAction {
		return ErrNotAwaitingUser
	}
	select {
	case sess.acks <- index:
	default:
	}
	return nil
}

// Abandon ends the running session without a report. The link is closed and no timer
// fires afterwards. The sequencer then reports Completed until Reset, which is required
// before the next Start.
func (s *Sequencer) Abandon(cause error) {
	s.mu.Lock()
	sess := s.sess
	if s.connect != nil {
		s.connect()
	}
	s.mu.Unlock()
	if sess == nil {
		return
	}
	if cause == nil {
		cause = context.Canceled
	}
	sess.cancel(cause)
	if sess.loopDone != nil {
		<-sess.loopDone
	}
}

// Reset cancels any live session, stops its timer, disconnects the link and returns
// the sequencer to Idle with no results.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.gen++
	if s.connect != nil {
		s.connect()
		s.connect = nil
	}
	s.mu.Unlock()

	if sess != nil {
		sess.cancel(ErrSessionReset)
		if sess.loopDone != nil {
			<-sess.loopDone
		}
		s.teardown(sess)
	}

drain:
	for {
		select {
		case <-s.prompts:
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.plan = nil
	s.results = nil
	s.current = -1
	s.corrID = ""
	s.setStateLocked(StateIdle)
	s.mu.Unlock()
}

func (s *Sequencer) teardown(sess *session) {
	sess.cancel(ErrSessionReset)
	if sess.listener != nil {
		if err := sess.listener.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close event listener")
		}
	}
	if err := s.links.Disconnect(sess.uut); err != nil {
		s.logger.WithError(err).Debug("Disconnect reported an error")
	}
}

// run is the session's single decision point: the first of result, timeout or link
// loss for the active test is authoritative, later signals for that index are no-ops.
func (s *Sequencer) run(ctx context.Context, sess *session) {
	var timer *clock.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	defer stopTimer()

	n := s.plan.Len()
	i := 0
	timerC := s.enter(sess, i, &timer)

	for i < n {
		if timerC == nil && s.isFinal(i) {
			// Send failed; nothing to wait for.
			stopTimer()
			i++
			if i < n {
				timerC = s.enter(sess, i, &timer)
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.abandon(sess, context.Cause(ctx))
			return

		case <-sess.uut.Lost():
			stopTimer()
			s.linkLost(i, sess.uut.Cause())
			i = n

		case <-timerC:
			timer = nil
			s.finalize(i, StatusFail, DetailsTimeout)
			i++
			if i < n {
				timerC = s.enter(sess, i, &timer)
			}

		case ev := <-sess.events:
			if s.handleEvent(sess, i, ev) {
				stopTimer()
				i++
				if i < n {
					timerC = s.enter(sess, i, &timer)
				}
			}

		case idx := <-sess.acks:
			if idx != i {
				// Acknowledgement for a test that already resolved.
				continue
			}
			s.mu.Lock()
			if s.state == StateAwaitingUserAction && s.current == i {
				s.setStateLocked(StateRunning)
				s.mu.Unlock()
				s.recorder.Append(s.entry(EntryInfo, fmt.Sprintf("operator acknowledged prompt for %s", s.plan.Test(i).Name)))
			} else {
				s.mu.Unlock()
			}
		}
	}

	s.complete(sess)
}

// enter starts test i: mark running, send the command and arm its timer.
// It returns nil when the send failed and the test is already final.
func (s *Sequencer) enter(sess *session, i int, timer **clock.Timer) <-chan time.Time {
	test := s.plan.Test(i)

	// Drop acknowledgements left over from the previous test.
	select {
	case <-sess.acks:
	default:
	}

	s.mu.Lock()
	s.current = i
	s.corrID = ""
	s.results[i].Status = StatusRunning
	s.results[i].Timestamp = s.clock.Now()
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	env, data, err := sess.cmd.Send(test)
	if err != nil {
		select {
		case <-sess.uut.Lost():
			// The loop reports this test as link lost.
			return nil
		default:
		}
		s.logger.WithError(err).WithField("test", test.Name).Error("Failed to send test command")
		s.recorder.Append(s.entry(EntryError, err.Error()))
		s.finalize(i, StatusFail, DetailsSendFailed)
		return nil
	}

	s.mu.Lock()
	s.corrID = env.ID
	s.mu.Unlock()

	s.recorder.Append(s.entry(EntryTX, string(data)))
	s.logger.WithFields(logrus.Fields{
		"test":    test.Name,
		"id":      env.ID,
		"timeout": test.Timeout,
	}).Info("Test started")

	*timer = s.clock.Timer(test.Timeout)
	return (*timer).C
}

func (s *Sequencer) isFinal(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[i].Status.Terminal()
}

// handleEvent applies ev to test i and reports whether the test was finalized.
func (s *Sequencer) handleEvent(sess *session, i int, ev Event) bool {
	test := s.plan.Test(i)
	log := s.logger.WithFields(logrus.Fields{"test": test.Name, "event": ev.Type})

	switch ev.Type {
	case EventTestResult:
		if !s.correlates(test, ev) {
			log.WithField("id", ev.CorrelationID).Debug("Result does not match the active test; ignored")
			return false
		}
		status, details := evaluate(test, ev)
		s.finalize(i, status, details)
		return true

	case EventUserPrompt:
		if (ev.CorrelationID != "" || ev.Test != "") && !s.correlates(test, ev) {
			log.Debug("Prompt for another test; ignored")
			return false
		}
		s.recorder.Append(s.entry(EntryPrompt, ev.Prompt))
		if !test.RequiresUserAction {
			log.WithField("prompt", ev.Prompt).Info("Prompt received for a test without manual steps; ignored")
			return false
		}
		s.mu.Lock()
		if s.state != StateRunning {
			s.mu.Unlock()
			log.Debug("Prompt received while already awaiting the operator")
			return false
		}
		s.setStateLocked(StateAwaitingUserAction)
		s.mu.Unlock()

		select {
		case s.prompts <- Prompt{Index: i, Test: test.Name, Message: ev.Prompt}:
		default:
			log.Warn("Prompt queue is full; operator prompt dropped")
		}
		return false

	default:
		log.WithField("raw", ev.Raw).Debug("Unrecognized notification")
		return false
	}
}

// correlates decides whether an event belongs to the active test: by correlation id
// when present, then by test identity. Events carrying neither are attributed to the
// active test unless strict correlation is on.
func (s *Sequencer) correlates(test TestDefinition, ev Event) bool {
	if ev.CorrelationID != "" {
		s.mu.Lock()
		id := s.corrID
		s.mu.Unlock()
		return ev.CorrelationID == id
	}
	if ev.Test != "" {
		return test.Matches(ev.Test)
	}
	return !s.strict
}

// evaluate maps a matched result event to a final status. Criteria, when defined,
// must all hold and a reported fail always wins.
func evaluate(test TestDefinition, ev Event) (Status, string) {
	if len(test.Criteria) == 0 {
		details := ev.Details
		if details == "" && len(ev.Measurements) > 0 {
			details = formatMeasurements(ev.Measurements)
		}
		if ev.Status == "" {
			if details == "" {
				details = "no status reported"
			}
			return StatusFail, details
		}
		return ev.Status, details
	}

	pass := ev.Status != StatusFail
	parts := make([]string, 0, len(test.Criteria)+1)
	for _, c := range test.Criteria {
		ok, d := c.Check(ev.Measurements)
		pass = pass && ok
		parts = append(parts, d)
	}
	if ev.Details != "" {
		parts = append(parts, ev.Details)
	}
	if pass {
		return StatusPass, strings.Join(parts, "; ")
	}
	return StatusFail, strings.Join(parts, "; ")
}

// finalize sets a terminal status once; later calls for the same index are no-ops.
func (s *Sequencer) finalize(i int, status Status, details string) {
	s.mu.Lock()
	if s.results[i].Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.results[i].Status = status
	s.results[i].Details = details
	s.results[i].Timestamp = s.clock.Now()
	res := s.results[i]
	s.mu.Unlock()

	s.recorder.Append(s.entry(EntryResult, fmt.Sprintf("%s: %s %s", res.TestName, res.Status, res.Details)))
	s.logger.WithFields(logrus.Fields{
		"test":    res.TestName,
		"status":  res.Status,
		"details": res.Details,
	}).Info("Test finished")
}

func (s *Sequencer) linkLost(i int, cause error) {
	s.logger.WithError(cause).WithField("test", s.plan.Test(i).Name).Error("Link lost during test")
	s.finalize(i, StatusFail, DetailsLinkLost)
	for j := i + 1; j < s.plan.Len(); j++ {
		s.finalize(j, StatusNotExecuted, DetailsNotExecuted)
	}
}

func (s *Sequencer) complete(sess *session) {
	s.mu.Lock()
	s.current = -1
	results := make([]TestResult, len(s.results))
	copy(results, s.results)
	s.mu.Unlock()

	sess.cancel(nil)
	if sess.listener != nil {
		_ = sess.listener.Close()
	}
	if err := s.links.Disconnect(sess.uut); err != nil {
		s.logger.WithError(err).Debug("Disconnect reported an error")
	}

	report, err := s.aggregator.Build(results)
	if err == nil {
		sess.report = report
		err = s.aggregator.Publish(context.Background(), report)
		s.logger.WithFields(logrus.Fields{
			"verdict": report.Verdict(),
			"passed":  report.Summary().Passed,
			"total":   report.Summary().Total,
		}).Info("QC session completed")
	}
	sess.err = err

	s.mu.Lock()
	s.setStateLocked(StateCompleted)
	s.mu.Unlock()
	close(sess.done)
}

func (s *Sequencer) abandon(sess *session, cause error) {
	sess.err = cause
	if errors.Is(cause, ErrSessionReset) {
		// Reset tears the link down and clears state itself.
		close(sess.done)
		return
	}
	s.logger.WithError(cause).Warn("QC session abandoned")
	s.recorder.Append(s.entry(EntryError, "session abandoned: "+cause.Error()))
	if sess.listener != nil {
		_ = sess.listener.Close()
	}
	if err := s.links.Disconnect(sess.uut); err != nil {
		s.logger.WithError(err).Debug("Disconnect reported an error")
	}

	// Completed without a report: the session is over but still needs Reset.
	s.mu.Lock()
	s.current = -1
	s.setStateLocked(StateCompleted)
	s.mu.Unlock()
	close(sess.done)
}

// setStateLocked must be called with s.mu held.
func (s *Sequencer) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.WithFields(logrus.Fields{"from": s.state, "to": state}).Debug("Sequencer state changed")
	s.state = state
	s.recorder.Append(s.entry(EntryState, state.String()))
}

func (s *Sequencer) entry(t EntryType, msg string) Entry {
	return Entry{Type: t, Message: msg, Timestamp: s.clock.Now()}
}
