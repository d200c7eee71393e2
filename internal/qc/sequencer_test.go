package qc_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/device"
	"github.com/srg/blimqc/internal/qc"
	"github.com/srg/blimqc/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func mustPlan(t *testing.T, tests ...qc.TestDefinition) *qc.Plan {
	t.Helper()
	p, err := qc.NewPlan(tests...)
	require.NoError(t, err)
	return p
}

func def(name string, timeout time.Duration) qc.TestDefinition {
	return qc.TestDefinition{Name: name, CommandType: name, Timeout: timeout}
}

// reply answers every command with a structured result for the command's test.
func reply(after time.Duration, status string) testutils.Firmware {
	return func(u *testutils.SimUnit, cmd testutils.SimCommand) {
		if !u.After(after) {
			return
		}
		u.NotifyJSON(map[string]any{"type": "test_result", "id": cmd.ID, "test": cmd.Type, "status": status})
	}
}

func runSession(t *testing.T, seq *qc.Sequencer, plan *qc.Plan) *qc.Report {
	t.Helper()
	require.NoError(t, seq.Start(t.Context(), plan, nil))
	report, err := seq.Wait(t.Context())
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func statuses(r *qc.Report) []qc.Status {
	var out []qc.Status
	for _, res := range r.Results() {
		out = append(out, res.Status)
	}
	return out
}

func TestSequencer_SinglePass(t *testing.T) {
	// GOAL: Verify a matching structured result resolves the active test
	//
	// TEST SCENARIO: Plan [A timeout=1000ms], firmware passes at 100ms → [A pass], overall pass

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if u.After(100 * time.Millisecond) {
				u.Notify(`{"type":"test_result","test":"A","status":"pass"}`)
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		start := time.Now()

		report := runSession(t, seq, mustPlan(t, def("A", time.Second)))

		require.Len(t, report.Results(), 1)
		res := report.Results()[0]
		assert.Equal(t, "A", res.TestName)
		assert.Equal(t, qc.StatusPass, res.Status)
		assert.Equal(t, 100*time.Millisecond, res.Timestamp.Sub(start), "result MUST be finalized when the event arrives")
		assert.True(t, report.Verdict())
		assert.Equal(t, qc.StateCompleted, seq.State())
		assert.Equal(t, 1, link.Disconnects(), "completed session MUST close the link")
	})
}

func TestSequencer_AllTimeout(t *testing.T) {
	// GOAL: Verify timeouts fail each test and the plan still advances
	//
	// TEST SCENARIO: Plan [A 500ms, B 500ms], firmware silent → [A fail timeout, B fail timeout]

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(nil)
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		start := time.Now()

		report := runSession(t, seq, mustPlan(t, def("A", 500*time.Millisecond), def("B", 500*time.Millisecond)))

		results := report.Results()
		require.Len(t, results, 2)
		for _, res := range results {
			assert.Equal(t, qc.StatusFail, res.Status)
			assert.Equal(t, qc.DetailsTimeout, res.Details)
		}
		assert.Equal(t, time.Second, time.Since(start), "each timeout MUST fire exactly once at its deadline")
		assert.False(t, report.Verdict())
		assert.Len(t, link.Commands(), 2, "B MUST be sent after A timed out")
	})
}

func TestSequencer_UserActionPrompt(t *testing.T) {
	// GOAL: Verify a manual-action prompt suspends the test without resetting its timer
	//
	// TEST SCENARIO: Batt 8000ms with user action; prompt at 200ms, ack, pass at 3000ms → [Batt pass]

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if !u.After(200 * time.Millisecond) {
				return
			}
			u.Notify("Please disconnect the battery cable")
			if !u.After(2800 * time.Millisecond) {
				return
			}
			u.Notify(`{"type":"test_result","test":"Batt","status":"pass","details":"battery ok"}`)
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t, qc.TestDefinition{
			Name: "Batt", CommandType: "battery_test", Timeout: 8 * time.Second, RequiresUserAction: true,
		})
		start := time.Now()
		require.NoError(t, seq.Start(t.Context(), plan, nil))

		prompt := <-seq.Prompts()
		assert.Equal(t, "Batt", prompt.Test)
		assert.Equal(t, 0, prompt.Index)
		assert.Contains(t, prompt.Message, "disconnect")
		assert.Equal(t, 200*time.Millisecond, time.Since(start))
		assert.Equal(t, qc.StateAwaitingUserAction, seq.State())

		require.NoError(t, seq.Acknowledge())
		synctest.Wait()
		assert.Equal(t, qc.StateRunning, seq.State(), "acknowledgement MUST return to Running")

		report, err := seq.Wait(t.Context())
		require.NoError(t, err)
		require.Len(t, report.Results(), 1)
		assert.Equal(t, qc.StatusPass, report.Results()[0].Status)
		assert.Equal(t, "battery ok", report.Results()[0].Details)
		assert.Equal(t, 3*time.Second, time.Since(start))
		assert.Len(t, link.Commands(), 1, "acknowledgement MUST NOT resend the command")
	})
}

func TestSequencer_PromptKeepsTimer(t *testing.T) {
	// GOAL: Verify the timer keeps running while awaiting the operator
	//
	// TEST SCENARIO: Prompt at 100ms, nobody acknowledges, no result → fail timeout at 1s

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if u.After(100 * time.Millisecond) {
				u.NotifyJSON(map[string]any{"type": "user_prompt", "id": cmd.ID, "instruction": "Unplug the charger"})
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t, qc.TestDefinition{Name: "Charge", CommandType: "charge", Timeout: time.Second, RequiresUserAction: true})
		start := time.Now()

		report := runSession(t, seq, plan)

		assert.Equal(t, qc.StatusFail, report.Results()[0].Status)
		assert.Equal(t, qc.DetailsTimeout, report.Results()[0].Details)
		assert.Equal(t, time.Second, time.Since(start))
		assert.ErrorIs(t, seq.Acknowledge(), qc.ErrNotAwaitingUser)
	})
}

func TestSequencer_PromptIgnoredWithoutUserAction(t *testing.T) {
	// GOAL: Verify prompts for tests without manual steps do not change state

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if !u.After(50 * time.Millisecond) {
				return
			}
			u.Notify("press the button")
			if u.After(50 * time.Millisecond) {
				u.Notify("LED PASS")
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		require.NoError(t, seq.Start(t.Context(), mustPlan(t, def("LED", time.Second)), nil))

		time.Sleep(75 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, qc.StateRunning, seq.State(), "prompt MUST be ignored when no user action is required")
		assert.Empty(t, seq.Prompts())

		report, err := seq.Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, qc.StatusPass, report.Results()[0].Status)
	})
}

func TestSequencer_ResultWhileAwaitingUser(t *testing.T) {
	// GOAL: Verify a matching result resolves a test that still waits for the operator
	//
	// TEST SCENARIO: Batt with user action; prompt at 100ms, pass at 300ms, never acknowledged → [Batt pass]

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if !u.After(100 * time.Millisecond) {
				return
			}
			u.Notify("Please unplug the charger")
			if u.After(200 * time.Millisecond) {
				u.Notify(`{"type":"test_result","test":"Batt","status":"pass"}`)
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t, qc.TestDefinition{Name: "Batt", CommandType: "battery_test", Timeout: time.Second, RequiresUserAction: true})
		start := time.Now()
		require.NoError(t, seq.Start(t.Context(), plan, nil))

		<-seq.Prompts()
		synctest.Wait()
		assert.Equal(t, qc.StateAwaitingUserAction, seq.State())

		report, err := seq.Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []qc.Status{qc.StatusPass}, statuses(report), "result MUST resolve the test without an acknowledgement")
		assert.Equal(t, 300*time.Millisecond, time.Since(start))
		assert.Equal(t, qc.StateCompleted, seq.State())
		assert.ErrorIs(t, seq.Acknowledge(), qc.ErrNotAwaitingUser, "late acknowledgement MUST be rejected")
	})
}

func TestSequencer_LinkLostWhileAwaitingUser(t *testing.T) {
	// GOAL: Verify link loss during an operator step fails the test as link lost
	//
	// TEST SCENARIO: B with user action, C; prompt at 100ms, link drops at 200ms → [B fail link lost, C not_executed]

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if cmd.Type != "B" || !u.After(100*time.Millisecond) {
				return
			}
			u.Notify("Remove the SIM tray")
			if u.After(100 * time.Millisecond) {
				u.Drop()
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t,
			qc.TestDefinition{Name: "B", CommandType: "B", Timeout: time.Second, RequiresUserAction: true},
			def("C", time.Second))
		require.NoError(t, seq.Start(t.Context(), plan, nil))

		prompt := <-seq.Prompts()
		assert.Equal(t, "B", prompt.Test)

		report, err := seq.Wait(t.Context())
		require.NoError(t, err)
		results := report.Results()
		require.Len(t, results, 2)
		assert.Equal(t, []qc.Status{qc.StatusFail, qc.StatusNotExecuted}, statuses(report))
		assert.Equal(t, qc.DetailsLinkLost, results[0].Details, "awaiting test MUST fail as link lost")
		assert.Equal(t, qc.DetailsNotExecuted, results[1].Details)
		assert.Len(t, link.Commands(), 1, "no command MUST be sent after link loss")
	})
}

func TestSequencer_SendOnLostLink(t *testing.T) {
	// GOAL: Verify a send that fails because the link is gone is reported as link lost
	//
	// TEST SCENARIO: Link drops while A is written → [A fail link lost, B not_executed]

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(reply(10*time.Millisecond, "pass"))
		link.DropOnWrite = true
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

		report := runSession(t, seq, mustPlan(t, def("A", time.Second), def("B", time.Second)))

		results := report.Results()
		require.Len(t, results, 2)
		assert.Equal(t, []qc.Status{qc.StatusFail, qc.StatusNotExecuted}, statuses(report))
		assert.Equal(t, qc.DetailsLinkLost, results[0].Details, "send on a lost link MUST NOT read as a send failure")
		assert.Empty(t, link.Commands())
	})
}

func TestSequencer_PromptForOtherTestIgnored(t *testing.T) {
	// GOAL: Verify a structured prompt naming another test does not suspend the active one
	//
	// TEST SCENARIO: Batt with user action; prompt for "Charge" without id at 50ms, pass at 100ms → [Batt pass], no prompt

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if !u.After(50 * time.Millisecond) {
				return
			}
			u.NotifyJSON(map[string]any{"type": "user_prompt", "test": "Charge", "instruction": "Unplug the charger"})
			if u.After(50 * time.Millisecond) {
				u.Notify(`{"type":"test_result","test":"Batt","status":"pass"}`)
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t, qc.TestDefinition{Name: "Batt", CommandType: "battery_test", Timeout: time.Second, RequiresUserAction: true})
		require.NoError(t, seq.Start(t.Context(), plan, nil))

		time.Sleep(75 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, qc.StateRunning, seq.State(), "prompt for another test MUST be ignored")
		assert.Empty(t, seq.Prompts())

		report, err := seq.Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []qc.Status{qc.StatusPass}, statuses(report))
	})
}

func TestSequencer_LateAckKeepsNextPrompt(t *testing.T) {
	// GOAL: Verify an acknowledgement racing the previous result does not skip the next operator step
	//
	// TEST SCENARIO: A and B with user action; A prompts at 100ms and passes at 200ms while the
	// operator acknowledges at 200ms; B prompts 50ms after its command → B awaits its own acknowledgement

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			switch cmd.Type {
			case "A":
				if !u.After(100 * time.Millisecond) {
					return
				}
				u.Notify("Press the power button")
				if u.After(100 * time.Millisecond) {
					u.Notify(`{"type":"test_result","test":"A","status":"pass"}`)
				}
			case "B":
				if !u.After(50 * time.Millisecond) {
					return
				}
				u.Notify("Unplug the charger")
				if u.After(time.Second) {
					u.Notify(`{"type":"test_result","test":"B","status":"pass"}`)
				}
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t,
			qc.TestDefinition{Name: "A", CommandType: "A", Timeout: 5 * time.Second, RequiresUserAction: true},
			qc.TestDefinition{Name: "B", CommandType: "B", Timeout: 5 * time.Second, RequiresUserAction: true})
		require.NoError(t, seq.Start(t.Context(), plan, nil))

		first := <-seq.Prompts()
		assert.Equal(t, 0, first.Index)
		time.Sleep(100 * time.Millisecond)
		// Rejected when A already resolved; otherwise it targets A.
		_ = seq.Acknowledge()

		second := <-seq.Prompts()
		assert.Equal(t, 1, second.Index)
		synctest.Wait()
		assert.Equal(t, qc.StateAwaitingUserAction, seq.State(), "acknowledgement for A MUST NOT apply to B")

		require.NoError(t, seq.Acknowledge())
		synctest.Wait()
		assert.Equal(t, qc.StateRunning, seq.State())

		report, err := seq.Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []qc.Status{qc.StatusPass, qc.StatusPass}, statuses(report))
	})
}

func TestSequencer_TimeoutThenNext(t *testing.T) {
	// GOAL: Verify a timed out test does not block the next one
	//
	// TEST SCENARIO: A silent (500ms), B answers at 10ms → [A fail timeout, B pass]

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if cmd.Type == "B" {
				reply(10*time.Millisecond, "pass")(u, cmd)
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

		report := runSession(t, seq, mustPlan(t, def("A", 500*time.Millisecond), def("B", 500*time.Millisecond)))

		results := report.Results()
		assert.Equal(t, qc.TestResult{TestName: "A", Status: qc.StatusFail, Details: qc.DetailsTimeout, Timestamp: results[0].Timestamp}, results[0])
		assert.Equal(t, qc.StatusPass, results[1].Status)
	})
}

func TestSequencer_RacePolicy(t *testing.T) {
	// GOAL: Verify the first of result and timeout wins and the other is a no-op

	t.Run("timeout first, late result ignored", func(t *testing.T) {
		// TEST SCENARIO: A times out at 500ms, A's pass arrives at 600ms while B runs → A stays fail, B unaffected
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				switch cmd.Type {
				case "A":
					reply(600*time.Millisecond, "pass")(u, cmd)
				case "B":
					reply(300*time.Millisecond, "fail")(u, cmd)
				}
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

			report := runSession(t, seq, mustPlan(t, def("A", 500*time.Millisecond), def("B", time.Second)))

			assert.Equal(t, []qc.Status{qc.StatusFail, qc.StatusFail}, statuses(report))
			assert.Equal(t, qc.DetailsTimeout, report.Results()[0].Details)
			assert.Empty(t, report.Results()[1].Details, "late result for A MUST NOT resolve B")
		})
	})

	t.Run("result first, timer cancelled", func(t *testing.T) {
		// TEST SCENARIO: A passes at 499ms with a 500ms timeout → pass, nothing fires later
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(reply(499*time.Millisecond, "pass"))
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

			report := runSession(t, seq, mustPlan(t, def("A", 500*time.Millisecond)))
			time.Sleep(time.Second)
			synctest.Wait()

			assert.Equal(t, []qc.Status{qc.StatusPass}, statuses(report))
			assert.Equal(t, qc.StatusPass, seq.Results()[0].Status, "timer MUST NOT fire into a resolved test")
		})
	})

	t.Run("duplicate results", func(t *testing.T) {
		// TEST SCENARIO: Firmware reports fail then pass for the same id → first one wins
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				u.NotifyJSON(map[string]any{"type": "test_result", "id": cmd.ID, "status": "fail", "details": "first"})
				u.NotifyJSON(map[string]any{"type": "test_result", "id": cmd.ID, "status": "pass", "details": "second"})
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

			report := runSession(t, seq, mustPlan(t, def("A", time.Second), def("B", time.Second)))

			assert.Equal(t, "first", report.Results()[0].Details)
			assert.Equal(t, "first", report.Results()[1].Details)
		})
	})
}

func TestSequencer_LinkLost(t *testing.T) {
	// GOAL: Verify link loss fails the in-flight test and marks the rest not executed
	//
	// TEST SCENARIO: Plan of 4, link drops during test 1 → [pass, fail link lost, not_executed, not_executed]

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			if cmd.Type == "t1" {
				if u.After(50 * time.Millisecond) {
					u.Drop()
				}
				return
			}
			reply(10*time.Millisecond, "pass")(u, cmd)
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t, def("t0", time.Second), def("t1", time.Second), def("t2", time.Second), def("t3", time.Second))

		report := runSession(t, seq, plan)

		results := report.Results()
		require.Len(t, results, 4)
		assert.Equal(t, []qc.Status{qc.StatusPass, qc.StatusFail, qc.StatusNotExecuted, qc.StatusNotExecuted}, statuses(report))
		assert.Equal(t, qc.DetailsLinkLost, results[1].Details)
		assert.Equal(t, qc.DetailsNotExecuted, results[2].Details)
		assert.False(t, report.Verdict())
		assert.Equal(t, qc.Summary{Total: 4, Passed: 1, Failed: 1, NotExecuted: 2}, report.Summary())
		assert.Len(t, link.Commands(), 2, "no command MUST be sent after link loss")
	})
}

func TestSequencer_ReportHasOneResultPerTest(t *testing.T) {
	// GOAL: Verify a completed report has exactly N results in plan order for mixed outcomes

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
			switch cmd.Type {
			case "t0", "t3":
				reply(5*time.Millisecond, "pass")(u, cmd)
			case "t1":
				reply(5*time.Millisecond, "fail")(u, cmd)
			case "t4":
				if u.After(5 * time.Millisecond) {
					u.Notify("t4 PASS")
				}
			}
		})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

		var defs []qc.TestDefinition
		for i := 0; i < 5; i++ {
			defs = append(defs, def(fmt.Sprintf("t%d", i), 100*time.Millisecond))
		}
		report := runSession(t, seq, mustPlan(t, defs...))

		results := report.Results()
		require.Len(t, results, 5)
		for i, res := range results {
			assert.Equal(t, fmt.Sprintf("t%d", i), res.TestName, "results MUST follow plan order")
			assert.True(t, res.Status.Terminal())
		}
		assert.Equal(t, []qc.Status{qc.StatusPass, qc.StatusFail, qc.StatusFail, qc.StatusPass, qc.StatusPass}, statuses(report))
	})
}

func TestSequencer_ResetThenStartIsIdempotent(t *testing.T) {
	// GOAL: Verify two sessions against the same all-pass stream produce identical reports
	//
	// TEST SCENARIO: start, wait, reset, start, wait with a frozen clock → byte-identical JSON

	link := testutils.NewSimLink(reply(0, "pass"))
	seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger(), Clock: clock.NewMock()})
	plan := mustPlan(t, def("A", time.Minute), def("B", time.Minute), def("C", time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, seq.Start(ctx, plan, nil))
	first, err := seq.Wait(ctx)
	require.NoError(t, err)

	seq.Reset()
	assert.Equal(t, qc.StateIdle, seq.State())
	assert.Empty(t, seq.Results())

	require.NoError(t, seq.Start(ctx, plan, nil))
	second, err := seq.Wait(ctx)
	require.NoError(t, err)

	firstJSON, err := first.MarshalJSON()
	require.NoError(t, err)
	secondJSON, err := second.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(firstJSON), string(secondJSON))
	assert.True(t, second.Verdict())
	assert.Equal(t, 2, link.Connects())
}

func TestSequencer_SendFailure(t *testing.T) {
	// GOAL: Verify write failures fail each test immediately without arming timers

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(nil)
		link.WriteErr = errors.New("gatt write rejected")
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		start := time.Now()

		report := runSession(t, seq, mustPlan(t, def("A", time.Second), def("B", time.Second)))

		for _, res := range report.Results() {
			assert.Equal(t, qc.StatusFail, res.Status)
			assert.Equal(t, qc.DetailsSendFailed, res.Details)
		}
		assert.Zero(t, time.Since(start), "send failures MUST NOT wait for a timeout")
	})
}

func TestSequencer_SingleUse(t *testing.T) {
	// GOAL: Verify a sequencer must be reset before it can start again

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(reply(0, "pass"))
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		plan := mustPlan(t, def("A", time.Second))

		runSession(t, seq, plan)
		assert.ErrorIs(t, seq.Start(t.Context(), plan, nil), qc.ErrSessionActive)

		seq.Reset()
		runSession(t, seq, plan)
	})
}

func TestSequencer_ResetCancelsLiveSession(t *testing.T) {
	// GOAL: Verify reset stops the timer and closes the link; nothing fires afterwards
	//
	// TEST SCENARIO: Reset at 100ms into a 1s test → Idle, link closed, no result after 2s

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(nil)
		rec := &qc.MemoryRecorder{}
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger(), Recorder: rec})
		require.NoError(t, seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil))
		done := seq.Done()

		time.Sleep(100 * time.Millisecond)
		seq.Reset()

		assert.Equal(t, qc.StateIdle, seq.State())
		assert.Empty(t, seq.Results())
		assert.Equal(t, 1, link.Disconnects())
		select {
		case <-done:
		default:
			t.Fatal("Done MUST be closed after reset")
		}

		entries := len(rec.Entries())
		time.Sleep(2 * time.Second)
		synctest.Wait()
		assert.Len(t, rec.Entries(), entries, "no timer MUST fire into a reset session")
		assert.Equal(t, qc.StateIdle, seq.State())
	})
}

func TestSequencer_OperatorCancel(t *testing.T) {
	// GOAL: Verify cancelling the start context abandons the session and closes the link

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(nil)
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
		ctx, cancel := context.WithCancel(t.Context())
		require.NoError(t, seq.Start(ctx, mustPlan(t, def("A", time.Second)), nil))

		time.Sleep(10 * time.Millisecond)
		cancel()

		report, err := seq.Wait(t.Context())
		assert.Nil(t, report)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, link.Disconnects())
		assert.Equal(t, qc.StateCompleted, seq.State(), "abandoned session MUST NOT report Idle before reset")
		assert.ErrorIs(t, seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil), qc.ErrSessionActive,
			"abandoned session MUST require reset")
		seq.Reset()
	})
}

func TestSequencer_Abandon(t *testing.T) {
	// GOAL: Verify Abandon ends a live session with its cause and no report
	//
	// TEST SCENARIO: test A waiting for a result, Abandon(stop) → Wait returns stop, link closed, no timer fires later

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(nil)
		rec := &qc.MemoryRecorder{}
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger(), Recorder: rec})
		require.NoError(t, seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil))

		time.Sleep(10 * time.Millisecond)
		stop := errors.New("operator stopped the station")
		seq.Abandon(stop)

		report, err := seq.Wait(t.Context())
		assert.Nil(t, report)
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, link.Disconnects())

		time.Sleep(2 * time.Second)
		assert.Equal(t, qc.StatusRunning, seq.Results()[0].Status, "no timer MUST fire into an abandoned session")
		assert.Equal(t, qc.StateCompleted, seq.State(), "state MUST agree with Start refusing a new session")
		assert.ErrorIs(t, seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil), qc.ErrSessionActive)
		seq.Reset()
		assert.Equal(t, qc.StateIdle, seq.State())
	})
}

func TestSequencer_StartFailures(t *testing.T) {
	// GOAL: Verify link errors abort the session before any test runs and leave it Idle

	t.Run("connect", func(t *testing.T) {
		link := testutils.NewSimLink(nil)
		link.ConnectErr = device.NewLinkError(device.NotFound, "no unit nearby", nil)
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

		err := seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil)
		require.ErrorIs(t, err, device.ErrDeviceNotFound)
		assert.Equal(t, qc.StateIdle, seq.State())
		assert.Empty(t, link.Commands())

		link.ConnectErr = nil
		link.Firmware = reply(0, "pass")
		require.NoError(t, seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil), "failed start MUST NOT require reset")
		_, err = seq.Wait(t.Context())
		require.NoError(t, err)
	})

	t.Run("discover", func(t *testing.T) {
		link := testutils.NewSimLink(nil)
		link.DiscoverErr = device.NewLinkError(device.ServiceNotFound, "", &device.NotFoundError{Resource: "service"})
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

		err := seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil)
		require.ErrorIs(t, err, device.ErrServiceNotFound)
		assert.Equal(t, qc.StateIdle, seq.State())
		assert.Equal(t, 1, link.Disconnects(), "a connected unit MUST be released on discover failure")
	})

	t.Run("invalid plan", func(t *testing.T) {
		seq := qc.NewSequencer(testutils.NewSimLink(nil), nil)
		assert.Error(t, seq.Start(t.Context(), &qc.Plan{}, nil))
		assert.Error(t, seq.Start(t.Context(), nil, nil))
	})
}

func TestSequencer_Correlation(t *testing.T) {
	// GOAL: Verify correlation by id, by test identity and the legacy fallback

	t.Run("foreign id ignored", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				u.Notify(`{"type":"test_result","id":"someone-else","test":"A","status":"pass"}`)
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
			report := runSession(t, seq, mustPlan(t, def("A", 200*time.Millisecond)))
			assert.Equal(t, qc.DetailsTimeout, report.Results()[0].Details)
		})
	})

	t.Run("other test name ignored", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				u.Notify(`{"type":"test_result","test":"B","status":"pass"}`)
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
			report := runSession(t, seq, mustPlan(t, def("A", 200*time.Millisecond)))
			assert.Equal(t, qc.DetailsTimeout, report.Results()[0].Details)
		})
	})

	t.Run("alias matches", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				u.Notify(`{"type":"test_result","test":"mic_lr_test","status":"pass"}`)
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
			d := def("Mic", time.Second)
			d.Aliases = []string{"mic_lr_test"}
			report := runSession(t, seq, mustPlan(t, d))
			assert.Equal(t, qc.StatusPass, report.Results()[0].Status)
		})
	})

	t.Run("legacy text attributed to active test", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				u.Notify("QA: speaker FAIL (no tone)")
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
			report := runSession(t, seq, mustPlan(t, def("Speaker", time.Second)))
			assert.Equal(t, qc.StatusFail, report.Results()[0].Status)
			assert.Equal(t, "QA: speaker FAIL (no tone)", report.Results()[0].Details)
		})
	})

	t.Run("strict correlation ignores legacy text", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				u.Notify("PASS")
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger(), StrictCorrelation: true})
			report := runSession(t, seq, mustPlan(t, def("A", 200*time.Millisecond)))
			assert.Equal(t, qc.DetailsTimeout, report.Results()[0].Details)
		})
	})

	t.Run("unrecognized notifications ignored", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
				u.Notify(`{"type":"heartbeat"}`)
				u.Notify("booting...")
				reply(10*time.Millisecond, "pass")(u, cmd)
			})
			seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})
			report := runSession(t, seq, mustPlan(t, def("A", time.Second)))
			assert.Equal(t, qc.StatusPass, report.Results()[0].Status)
		})
	})
}

func TestSequencer_MeasurementCriteria(t *testing.T) {
	// GOAL: Verify measurement reports are judged against the test criteria
	//
	// TEST SCENARIO: Mic L/R test, right channel below threshold → fail with per-channel details

	tests := []struct {
		name     string
		payload  string
		expected qc.Status
		details  []string
	}{
		{
			name:     "both channels loud",
			payload:  `{"tone":{"rms_L":5200.5,"rms_R":4800}}`,
			expected: qc.StatusPass,
			details:  []string{"tone.rms_L: 5200.5 [>4500] PASS", "tone.rms_R: 4800.0 [>4500] PASS"},
		},
		{
			name:     "right channel quiet",
			payload:  `{"tone":{"rms_L":5000,"rms_R":4000}}`,
			expected: qc.StatusFail,
			details:  []string{"tone.rms_R: 4000.0 [>4500] FAIL"},
		},
		{
			name:     "missing measurement",
			payload:  `{"tone":{"rms_L":5000}}`,
			expected: qc.StatusFail,
			details:  []string{"tone.rms_R missing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				link := testutils.NewSimLink(func(u *testutils.SimUnit, cmd testutils.SimCommand) {
					if u.After(4 * time.Second) {
						u.Notify(`{"kind":"mic_lr_test","payload":` + tt.payload + `}`)
					}
				})
				seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger()})

				report := runSession(t, seq, qc.DefaultPlan())

				res := report.Results()[0]
				assert.Equal(t, tt.expected, res.Status)
				for _, d := range tt.details {
					assert.Contains(t, res.Details, d)
				}

				cmds := link.Commands()
				require.Len(t, cmds, 1)
				assert.Equal(t, "qa_mic_lr_test", cmds[0].Type)
				assert.Equal(t, float64(95), cmds[0].Payload["volume_percent"])
			})
		})
	}
}

func TestSequencer_RecorderTrail(t *testing.T) {
	// GOAL: Verify the recorder sees tx, rx, state and result entries in order

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(reply(10*time.Millisecond, "pass"))
		rec := &qc.MemoryRecorder{}
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger(), Recorder: rec, IDs: func() string { return "id-1" }})

		runSession(t, seq, mustPlan(t, def("A", time.Second)))

		var kinds []qc.EntryType
		for _, e := range rec.Entries() {
			kinds = append(kinds, e.Type)
		}
		assert.Subset(t, kinds, []qc.EntryType{qc.EntryTX, qc.EntryRX, qc.EntryResult, qc.EntryState})

		idx := func(k qc.EntryType) int {
			for i, e := range kinds {
				if e == k {
					return i
				}
			}
			return -1
		}
		assert.Less(t, idx(qc.EntryTX), idx(qc.EntryRX), "command MUST be recorded before its reply")
		assert.Less(t, idx(qc.EntryRX), idx(qc.EntryResult))
		assert.Contains(t, link.Commands()[0].ID, "id-1")
	})
}

func TestSequencer_PublishesToSinks(t *testing.T) {
	// GOAL: Verify completed reports reach every sink and sink errors surface from Wait

	synctest.Test(t, func(t *testing.T) {
		link := testutils.NewSimLink(reply(0, "pass"))
		good := &captureSink{}
		bad := &captureSink{err: errors.New("inventory offline")}
		seq := qc.NewSequencer(link, &qc.Options{Logger: testLogger(), Sinks: []qc.ReportSink{good, bad}})

		require.NoError(t, seq.Start(t.Context(), mustPlan(t, def("A", time.Second)), nil))
		report, err := seq.Wait(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "inventory offline")
		require.NotNil(t, report, "report MUST be returned even when a sink fails")
		assert.Same(t, report, good.report)
		assert.Same(t, report, bad.report)
	})
}

type captureSink struct {
	report *qc.Report
	err    error
}

func (c *captureSink) Publish(_ context.Context, r *qc.Report) error {
	c.report = r
	return c.err
}
