package dispatch

import (
	"errors"
	"fmt"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Outcome is what one adapter did during a fan-out.
type Outcome struct {
	Platform schema.Platform
	IDs      schema.BridgeMessageIDs
	Err      error
	// Skipped is set for the origin platform of an operator message.
	Skipped bool
}

// Result aggregates a fan-out. IDs is the merge of every successful
// adapter's own identifier.
type Result struct {
	Outcomes []Outcome
	IDs      schema.BridgeMessageIDs
}

// Failed returns the outcomes that carry an error.
func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Err joins every adapter error, or nil when all succeeded.
func (r Result) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.Platform, o.Err))
	}
	return errors.Join(errs...)
}

// Outcome returns the entry for p.
func (r Result) Outcome(p schema.Platform) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Platform == p {
			return o, true
		}
	}
	return Outcome{}, false
}
