// Package harness runs coordination scenarios against real executors,
// loopers and an aggregator, and checks the resulting trace.
//
// # Scenario Format
//
// Scenarios are YAML or CUE files. Both decode into the same Scenario
// type; CUE files are additionally unified with a closed schema, so
// unknown fields and out-of-range values are rejected with positions.
//
//	name: timers
//	mode: virtual            # or realtime
//	executors:
//	  - {name: io, kind: deferred}
//	  - {name: ui, kind: looper}
//	tasks:
//	  - id: fetch
//	    executor: io
//	    delay_ms: 10
//	    then:
//	      - {id: render, executor: ui}
//	steps:
//	  - op: advance_by
//	    ms: 30
//	assertions:
//	  - type: trace_order
//	    tasks: [fetch, render]
//
// Top-level tasks are submitted before the first step. A task's "then"
// children are submitted from inside the task body once it has run, which
// is how scenarios express cross-executor handoff.
//
// # Steps
//
//   - run_current: drain everything due now
//   - advance_by: advance the clock by ms, running work at each due time
//   - advance_until_idle: advance until no coordinator has pending work
//   - submit: submit more tasks
//   - cancel: cancel the most recent submission of a task id
//   - shutdown, shutdown_now: shut an executor down
//
// A step may declare expect_error with an error code; any other step
// error fails the scenario.
//
// # Assertion Types
//
//   - trace_order: tasks first ran in the given order
//   - trace_count: an event (default "run") occurs count times for a task
//   - trace_contains: an event occurs at least once for a task
//   - not_run: a task never ran, failed or panicked
//   - clock_at: the virtual clock ends at ms
//   - idle: no coordinator has completable work at the end
//   - no_pending: no coordinator has any pending work at the end
//
// # Deterministic Testing
//
// In virtual mode every task runs one at a time while the clock is held
// still, so the trace (sequence numbers and virtual times included) is
// identical across runs and can be compared against golden files.
// Real-time traces carry no times and are only deterministic for
// scenarios whose work forms a single chain.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/timers.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
