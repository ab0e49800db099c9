// Package tracker follows a long-running, multi-stage generation job by
// consuming its newline-delimited event stream.
//
// The pieces, leaf first:
//   - Reassembler splits arbitrary chunks into complete records.
//   - Decoder turns one "data: {json}" record into an Event or reports it as
//     not-an-event or malformed; it never fails the stream.
//   - Pipeline holds the fixed ordered stages and the monotonic transition rules.
//   - Session orchestrates a single tracking call: it owns the status vector and
//     the terminal outcome slot, notifies Observers, and arbitrates the fallback
//     ticker against real events using a sequence counter.
//   - StartFallback drives timer-based single-step progression while the
//     backend is silent.
//
// All state mutation happens on the session goroutine. Reads of the current
// state go through Snapshot.
package tracker
