package events

import "time"

// PollCycle is emitted after each registry poll attempt, whether or not it
// resulted in a schema change.
type PollCycle struct {
	Changed  bool
	Status   int
	Err      error
	Duration time.Duration
}
