package provision

import (
	"errors"
	"fmt"
)

// ErrOperationInFlight is returned when a second operation is requested for a
// channel that already has one running. Requests fail fast instead of
// queueing so two tool invocations can never race on the same resources.
var ErrOperationInFlight = errors.New("provision: operation already in flight for this service")

// StagingError reports a workspace that could not be materialized. No cloud
// mutation was attempted.
type StagingError struct {
	Err error
}

func (e *StagingError) Error() string { return fmt.Sprintf("stage workspace: %v", e.Err) }
func (e *StagingError) Unwrap() error { return e.Err }

// ProvisioningError reports an infrastructure run that failed, either by
// exiting non-zero or by failing to spawn.
type ProvisioningError struct {
	Action Action
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s run failed: %v", e.Action, e.Err)
}
func (e *ProvisioningError) Unwrap() error { return e.Err }

// DriftError reports a database write that failed after the infrastructure
// run already succeeded: cloud resources and the local record now disagree
// and need reconciliation. No automatic rollback is attempted.
type DriftError struct {
	ServiceID string
	Action    Action
	Err       error
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("state drift for service %s after %s: record write failed: %v", e.ServiceID, e.Action, e.Err)
}
func (e *DriftError) Unwrap() error { return e.Err }
