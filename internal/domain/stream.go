package domain

// EventSource tags the provenance of a stream event.
type EventSource string

const (
	SourceStdout     EventSource = "stdout"
	SourceStderr     EventSource = "stderr"
	SourceSysInfo    EventSource = "sys-info"
	SourceSysFailure EventSource = "sys-failure"
)

// StreamEvent is one tagged chunk of subprocess output or a synthetic status
// message delivered to a stream subscriber.
type StreamEvent struct {
	Source EventSource `json:"source"`
	Data   string      `json:"data"`
}

// OperationResult is the payload carried by the terminal stream signal.
type OperationResult struct {
	OperationID string `json:"operation_id"`
	ServiceID   string `json:"service_id,omitempty"`
	Action      string `json:"action"`
	Error       string `json:"error,omitempty"`
}
