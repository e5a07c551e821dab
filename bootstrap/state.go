package bootstrap

import (
	"time"

	"github.com/google/uuid"

	"pgraftctl/topology"
)

type InitOutcome int

const (
	InitPending InitOutcome = iota
	InitOk
	InitErr
	InitTimedOut
)

func (o InitOutcome) String() string {
	switch o {
	case InitOk:
		return "ok"
	case InitErr:
		return "err"
	case InitTimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// InitResult is the consensus initialization outcome of one node. Err is
// set for InitErr and InitTimedOut.
type InitResult struct {
	Outcome InitOutcome
	Err     error
}

// NodeState tracks what the pipeline has done to one node during this run.
type NodeState struct {
	Spec topology.NodeSpec

	RuntimeUp             bool
	ReplicationConfigured bool
	ConsensusConfigured   bool

	// Degraded nodes are skipped by every later phase.
	Degraded bool
	Err      error

	Init InitResult
}

func (n *NodeState) degrade(err error) {
	n.Degraded = true
	n.Err = err
}

type PhaseTransition struct {
	Phase Phase
	At    time.Time
}

// ClusterState is owned by a single Init call and mutated only by the
// phase currently executing. It is never persisted.
type ClusterState struct {
	RunID    uuid.UUID
	Topology *topology.Topology
	Phase    Phase

	// FailedIn is the phase that was being left when the run failed.
	FailedIn Phase
	Err      error

	Nodes    map[string]*NodeState
	LeaderID int64
	History  []PhaseTransition
}

func newClusterState(runID uuid.UUID, topo *topology.Topology, now time.Time) *ClusterState {
	state := &ClusterState{
		RunID:    runID,
		Topology: topo,
		Phase:    PhaseIdle,
		Nodes:    make(map[string]*NodeState, topo.Size()),
		History:  []PhaseTransition{{Phase: PhaseIdle, At: now}},
	}
	for _, spec := range topo.Nodes {
		state.Nodes[spec.Name] = &NodeState{Spec: spec}
	}
	return state
}

func (s *ClusterState) advance(phase Phase, now time.Time) {
	s.Phase = phase
	s.History = append(s.History, PhaseTransition{Phase: phase, At: now})
}

func (s *ClusterState) fail(err error, now time.Time) {
	s.FailedIn = s.Phase
	s.Err = err
	s.advance(PhaseFailed, now)
}

// Healthy returns the specs of all non-degraded nodes in topology order.
func (s *ClusterState) Healthy() []topology.NodeSpec {
	var nodes []topology.NodeSpec
	for _, spec := range s.Topology.Nodes {
		if !s.Nodes[spec.Name].Degraded {
			nodes = append(nodes, spec)
		}
	}
	return nodes
}

// Degraded returns the names of all degraded nodes in topology order.
func (s *ClusterState) Degraded() []string {
	var names []string
	for _, spec := range s.Topology.Nodes {
		if s.Nodes[spec.Name].Degraded {
			names = append(names, spec.Name)
		}
	}
	return names
}
