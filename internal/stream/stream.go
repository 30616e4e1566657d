// Package stream provides the one-way event feed between a provisioning
// operation and its remote subscriber. A Stream accepts any number of Emit
// calls followed by exactly one End or Fail; everything after the terminal
// call is a no-op.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
)

// Terminal event names on the wire.
const (
	EventEnd   = "end"
	EventError = "error"
)

// Sink receives provisioning progress for one operation.
type Sink interface {
	Emit(event domain.StreamEvent)
	End(result domain.OperationResult)
	Fail(result domain.OperationResult)
}

// Publisher forwards serialized frames to attached subscribers. The ws.Hub
// satisfies this; a disconnected subscriber simply means nobody receives the
// frame.
type Publisher interface {
	Broadcast(operationID string, payload []byte)
	BroadcastTerminal(operationID, event string, payload []byte)
}

// Stream is the hub-backed Sink implementation.
type Stream struct {
	mu          sync.Mutex
	operationID string
	pub         Publisher
	log         *slog.Logger
	done        bool
}

// New returns a Stream publishing frames for the given operation.
func New(operationID string, pub Publisher, log *slog.Logger) *Stream {
	return &Stream{operationID: operationID, pub: pub, log: log}
}

// Emit forwards one tagged chunk. Calls after the terminal signal are dropped.
func (s *Stream) Emit(event domain.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Warn("stream event marshal failed", "operation_id", s.operationID, "error", err)
		return
	}
	s.pub.Broadcast(s.operationID, payload)
}

// End terminates the stream with a success signal.
func (s *Stream) End(result domain.OperationResult) {
	s.terminate(EventEnd, result)
}

// Fail terminates the stream with a failure signal.
func (s *Stream) Fail(result domain.OperationResult) {
	s.terminate(EventError, result)
}

func (s *Stream) terminate(event string, result domain.OperationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		s.log.Warn("duplicate stream terminal ignored", "operation_id", s.operationID, "event", event)
		return
	}
	s.done = true
	payload, err := json.Marshal(result)
	if err != nil {
		s.log.Warn("stream terminal marshal failed", "operation_id", s.operationID, "error", err)
		payload = []byte(`{}`)
	}
	s.pub.BroadcastTerminal(s.operationID, event, payload)
}
