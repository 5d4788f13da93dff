// Package results is the outward sink for accepted task results.
//
// The coordinator publishes exactly one Result per task, the first one
// it accepts. Publishing again for the same task id fails with
// ErrAlreadyExists, so a late duplicate can never replace the accepted
// output.
//
//	pub := results.NewMemoryPublisher()
//	pub.Publish(ctx, results.Result{TaskID: 3, Status: results.StatusSuccess, Output: out})
//
//	ch, _ := pub.Subscribe(4)
//	r := <-ch // delivered once, then closed
//
// BusPublisher additionally announces each result on the run's result
// subject; Follow mirrors those announcements into another publisher in
// a separate process.
package results
