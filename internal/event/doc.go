// Package event provides the synchronous pub-sub bus the runner publishes
// its lifecycle on. The terminal reporter, the metrics recorder and tests
// subscribe without the runner knowing about them.
//
// # Event types
//
//   - [IterationStarted], [IterationCompleted]: one pair per iteration
//   - [PhaseChanged]: the run moved to the next phase
//   - [SessionHandoff]: a session ended and a new one started
//   - [RecoveryApplied]: a recovery action ran after a failed iteration
//   - [LoopHalted], [LoopFinished]: the loop stopped
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypePhaseChanged, func(e event.Event) {
//		pc := e.(event.PhaseChanged)
//		fmt.Println(pc.From, "->", pc.To)
//	})
//
// Handlers run synchronously on the publisher's goroutine; a handler that
// needs to do slow work should hand it off to its own goroutine.
package event
