package reconcile

import (
	"fmt"
	"time"
)

// Outcome classifies a reconciliation pass.
type Outcome string

const (
	// NoOp means the pass made no remote calls: offline or nothing queued.
	NoOp Outcome = "noop"
	// Succeeded means every drained operation was confirmed or settled.
	Succeeded Outcome = "succeeded"
	// PartiallyFailed means at least one remote call failed.
	PartiallyFailed Outcome = "partially_failed"
)

// OpError reports a failed operation within a pass.
type OpError struct {
	OpID      string
	RecordID  string
	Transient bool
	Err       error
}

func (e OpError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s (%s): %s: %v", e.OpID, e.RecordID, kind, e.Err)
}

func (e OpError) Unwrap() error { return e.Err }

// PassResult is the structured outcome of Synchronize.
type PassResult struct {
	PassID  string
	Outcome Outcome
	Offline bool

	Drained   int
	Batched   int // entries sent in the bulk call
	Promoted  int
	Updated   int // direct updates confirmed
	Deleted   int // remote deletes confirmed
	Collapsed int // operations settled locally without a remote call
	Dropped   int // operations abandoned after a permanent failure
	Acked     int64
	Retained  int // operations left queued for the next pass

	Errors   []OpError
	Reruns   int
	Duration time.Duration
}

// Failed reports whether any operation failed in a way that left work queued.
func (r *PassResult) Failed() bool {
	for _, e := range r.Errors {
		if e.Transient {
			return true
		}
	}
	return false
}

func (r *PassResult) fail(e OpError) {
	r.Errors = append(r.Errors, e)
	r.Outcome = PartiallyFailed
}

// absorb folds a rerun's result into r.
func (r *PassResult) absorb(next *PassResult) {
	r.Reruns++
	r.Drained += next.Drained
	r.Batched += next.Batched
	r.Promoted += next.Promoted
	r.Updated += next.Updated
	r.Deleted += next.Deleted
	r.Collapsed += next.Collapsed
	r.Dropped += next.Dropped
	r.Acked += next.Acked
	r.Retained = next.Retained
	r.Errors = append(r.Errors, next.Errors...)
	r.Duration += next.Duration
	r.Offline = next.Offline

	switch {
	case r.Outcome == PartiallyFailed || next.Outcome == PartiallyFailed:
		r.Outcome = PartiallyFailed
	case r.Outcome == NoOp:
		r.Outcome = next.Outcome
	}
}
