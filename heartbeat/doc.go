// Package heartbeat provides rank liveness detection for collective runs.
//
// # Overview
//
// A Sender periodically sends HEARTBEAT messages from one rank to a fixed
// set of peers. A Tracker keeps the last time each rank was heard from;
// any inbound message counts, not only heartbeats. Timeouts are measured
// on a clock.Clock so tests can drive them.
//
//	┌─────────────┐   HEARTBEAT (any msg)   ┌─────────────┐
//	│   Sender    │ ──────────────────────> │   Tracker   │
//	│  (worker)   │                         │(coordinator)│
//	└─────────────┘                         └─────────────┘
//
// # Usage
//
//	s, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Comm:     c,
//	    Targets:  []int{0},
//	    Interval: 100 * time.Millisecond,
//	})
//	s.Start(ctx)
//	defer s.Stop()
//
//	tr := heartbeat.NewTracker(clock.Real{}, 1, 2, 3)
//	tr.OnDead(func(rank int) { log.Printf("rank %d silent", rank) })
//	// on every inbound message:
//	tr.Touch(msg.Source)
//	// periodically:
//	tr.CheckDead(timeout)
package heartbeat
