package bootstrap

// Phase is a step of the provisioning pipeline. Phases only move forward;
// Converged and Failed are terminal.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNetworkReady
	PhasePrimaryRunning
	PhasePrimaryReplicationConfigured
	PhaseReplicasBasebackedUp
	PhaseAllConfigsInjected
	PhaseAllRestarted
	PhaseConsensusExtensionInstalled
	PhaseConsensusInitiated
	PhaseConverged
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:                         "Idle",
	PhaseNetworkReady:                 "NetworkReady",
	PhasePrimaryRunning:               "PrimaryRunning",
	PhasePrimaryReplicationConfigured: "PrimaryReplicationConfigured",
	PhaseReplicasBasebackedUp:         "ReplicasBasebackedUp",
	PhaseAllConfigsInjected:           "AllConfigsInjected",
	PhaseAllRestarted:                 "AllRestarted",
	PhaseConsensusExtensionInstalled:  "ConsensusExtensionInstalled",
	PhaseConsensusInitiated:           "ConsensusInitiated",
	PhaseConverged:                    "Converged",
	PhaseFailed:                       "Failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "Unknown"
}

func (p Phase) Terminal() bool {
	return p == PhaseConverged || p == PhaseFailed
}
