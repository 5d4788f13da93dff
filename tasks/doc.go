// Package tasks holds the coordinator's bag of tasks.
//
// A Task moves PENDING → ASSIGNED → DONE. An ASSIGNED task whose worker
// went silent goes back to PENDING at the front of the queue. DONE is
// terminal: the first accepted result wins and any later result for the
// same id is reported as ErrTaskCompleted.
//
//	tb := tasks.NewTable()
//	tb.Add(0, []byte("chunk-0"))
//	t, ok := tb.Dispatch(worker, time.Now())
//	...
//	tb.Requeue(t.ID)                       // worker timed out
//	tb.Complete(t.ID, worker, result, now) // first result wins
//
// A Journal writes DONE tasks to a state.StateStore so a restarted
// coordinator can Restore them and dispatch only the rest.
package tasks
