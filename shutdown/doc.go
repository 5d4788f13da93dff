// Package shutdown releases a process's resources in phases.
//
// The ftcoll command registers its status server at PhaseIntake, its
// communicators and message bus at PhaseTransport, checkpoint stores at
// PhaseStorage and the trace provider at PhaseTelemetry:
//
//	seq, _ := shutdown.New(shutdown.DefaultConfig(), logger)
//	seq.RegisterWithPhase("bus", shutdown.Closer(b.Close), shutdown.PhaseTransport)
//	ctx, stop := seq.HandleSignals(context.Background())
//	defer stop()
//	runErr := run(ctx)
//	_ = seq.ShutdownWithTimeout(0)
//
// Handlers in the same phase run concurrently. A failing handler does not
// stop later phases unless Config.StopOnError is set.
package shutdown
