package model

import "time"

// Deployment state constants. A deployment moves monotonically towards one
// of the terminal states and is never reused.
const (
	DeploymentQueued    = "queued"
	DeploymentBuilding  = "building"
	DeploymentBuilt     = "built"
	DeploymentLoading   = "loading"
	DeploymentRunning   = "running"
	DeploymentCompleted = "completed"
	DeploymentStopped   = "stopped"
	DeploymentCrashed   = "crashed"
	DeploymentUnknown   = "unknown"
)

// validDeploymentTransitions maps each deployment state to the set of
// states it may transition to.
var validDeploymentTransitions = map[string]map[string]bool{
	DeploymentQueued: {
		DeploymentBuilding: true,
		DeploymentCrashed:  true,
	},
	DeploymentBuilding: {
		DeploymentBuilt:   true,
		DeploymentCrashed: true,
	},
	DeploymentBuilt: {
		DeploymentLoading: true,
		DeploymentCrashed: true,
	},
	DeploymentLoading: {
		DeploymentRunning: true,
		DeploymentCrashed: true,
	},
	DeploymentRunning: {
		DeploymentCompleted: true,
		DeploymentStopped:   true,
		DeploymentCrashed:   true,
	},
	DeploymentUnknown: {
		DeploymentCrashed: true,
		DeploymentStopped: true,
	},
}

// ValidDeploymentTransition reports whether moving a deployment from one
// state to another is allowed.
func ValidDeploymentTransition(from, to string) bool {
	targets, ok := validDeploymentTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalDeploymentState reports whether a deployment state has no
// outgoing transitions.
func TerminalDeploymentState(state string) bool {
	switch state {
	case DeploymentCompleted, DeploymentStopped, DeploymentCrashed:
		return true
	}
	return false
}

// Deployment represents one user code artifact moving through the
// deployment pipeline. Its lifecycle is distinct from the project state
// machine that manages the backing infrastructure.
type Deployment struct {
	ID           string    `json:"id"`
	ProjectName  string    `json:"project_name"`
	State        string    `json:"state"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	LastUpdate   time.Time `json:"last_update"`
}
