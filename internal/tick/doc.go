// Package tick drives the shared world forward in fixed-rate steps.
//
// A Scheduler owns the master loop. Each tick it broadcasts a start signal to
// every registered worker task, waits until all of them report Finished, then
// sleeps out the remaining tick budget. A task whose work fails (error or
// panic) becomes Stopped and the scheduler freezes the whole simulation until
// NotifyFailureResolution is called. After a freeze the scheduler stays
// "paused" for a grace period of ticks so connection handling can tell that
// the gap in traffic was the server's fault, not the client's.
//
// Contract for task implementations:
//   - Register at construction (NewTask does this).
//   - Never block indefinitely inside one tick's work; doing so stalls the barrier.
package tick
