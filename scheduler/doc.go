// Package scheduler runs a bag of tasks on a group of ranks: rank 0
// coordinates, every other rank is a worker.
//
// Workers send WORK_REQUEST, run what they are assigned and reply with a
// RESULT, heartbeating to the coordinator the whole time. The coordinator
// requeues the task of any worker silent for longer than Timeout at the
// front of the queue, accepts the first result for each task and drops
// later ones as stale, and sends STOP to everyone when all tasks are DONE
// or when fewer than MinWorkers workers have been live for a full
// timeout window.
//
//	co, _ := scheduler.NewCoordinator(comms[0], payloads, cfg)
//	w, _ := scheduler.NewWorker(comms[1], exec, cfg)
//	go w.Run(ctx)
//	report, err := co.Run(ctx)
//
// With Config.Store set, each DONE task is checkpointed and a coordinator
// restarted under the same run id only dispatches the rest.
package scheduler
