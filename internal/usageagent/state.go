package usageagent

import (
	"sync"
	"time"
)

// ExecutionRecord captures one sampled GraphQL execution as observed by the
// hook middleware, prior to processing against the schema.
type ExecutionRecord struct {
	ClientName    string
	ClientVersion string
	Timestamp     int64 // milliseconds since the Unix epoch
	Duration      time.Duration
	OK            bool
	Errors        int
	OperationBody string
	OperationName string
}

// state is the mutex-guarded execution buffer shared between the capturing
// goroutines (many) and the draining flush loop (one).
type state struct {
	mu     sync.Mutex
	buffer []ExecutionRecord
}

// push appends record and returns the buffer's new length.
func (s *state) push(record ExecutionRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, record)
	return len(s.buffer)
}

// drain empties the buffer and returns its prior contents.
func (s *state) drain() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return nil
	}
	drained := s.buffer
	s.buffer = nil
	return drained
}
