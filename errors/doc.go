// Package errors provides the structured error taxonomy shared by the
// reduction and scheduling collectives.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: the condition may clear on its own (a peer went quiet, a deadline hit)
//   - Permanent: retrying the same input will not help (bad configuration, stale messages)
//   - Resource: not enough of something to make progress (live workers)
//   - Internal: the process itself is broken or was crashed on purpose
//
// # Error Codes
//
// The collective-specific codes are:
//
//   - PEER_UNRESPONSIVE: a peer stopped answering within its deadline
//   - DUPLICATE_CONTRIBUTION: a contribution that was already folded arrived again
//   - STALE_RESULT: a result arrived for a task that is already done
//   - UNEXPECTED_MESSAGE: a message kind that makes no sense in the current state
//   - INSUFFICIENT_WORKERS: fewer live workers than the configured minimum
//   - INCOMPLETE: a reduction finished without every contributor
//   - CRASHED: the local process was marked faulted and halted
//
// Conditions that are logged and dropped (duplicates, stale results,
// unexpected messages) are built with these codes for logging but never
// returned from a run.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeIncomplete, "reduction ended early",
//	    errors.WithRank(0), errors.WithMetadata("missing", "3,5"))
//
//	if errors.Is(err, errors.ErrCodeIncomplete) {
//	    // partial result is still usable
//	}
package errors
