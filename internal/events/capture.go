package events

import "time"

// CaptureStart is emitted when the hook middleware observes an incoming
// GraphQL request, before the inner handler runs.
type CaptureStart struct {
	OperationName string
	ClientName    string
	ClientVersion string
}

// CaptureFinish is emitted after the inner handler completes, whether or
// not the execution record was actually sampled into the agent's buffer.
type CaptureFinish struct {
	OperationName string
	Sampled       bool
	Duration      time.Duration
}
