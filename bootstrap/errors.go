package bootstrap

import (
	"errors"
	"fmt"
)

var (
	ErrRuntimeOperationFailed = errors.New("runtime operation failed")
	ErrReplicationSetupFailed = errors.New("replication setup failed")
	ErrConsensusInitFailed    = errors.New("consensus initialization failed")
	ErrConsensusInitTimedOut  = errors.New("consensus initialization timed out")
	ErrConvergenceTimeout     = errors.New("no leader elected before polling gave up")
	ErrInterrupted            = errors.New("bootstrap interrupted")
)

// PhaseError is a fatal error raised while leaving Phase. Node is empty when
// the failure is not tied to a single node.
type PhaseError struct {
	Phase Phase
	Node  string
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("phase %s, node %s: %v", e.Phase, e.Node, e.Err)
	}
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
