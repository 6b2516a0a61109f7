package model

import (
	"fmt"
	"time"
)

// Phase identifies where a project is in its infrastructure lifecycle.
type Phase string

// Project lifecycle phases.
const (
	PhaseCreating   Phase = "creating"
	PhaseAttaching  Phase = "attaching"
	PhaseStarting   Phase = "starting"
	PhaseStarted    Phase = "started"
	PhaseReadying   Phase = "readying"
	PhaseReady      Phase = "ready"
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseRebooting  Phase = "rebooting"
	PhaseRecreating Phase = "recreating"
	PhaseRestarting Phase = "restarting"
	PhaseStopping   Phase = "stopping"
	PhaseStopped    Phase = "stopped"
	PhaseDestroying Phase = "destroying"
	PhaseDestroyed  Phase = "destroyed"
	PhaseErrored    Phase = "errored"
)

// Terminal reports whether a phase has no outgoing transitions other than
// an external resubmission.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseRunning, PhaseCompleted, PhaseStopped, PhaseDestroyed, PhaseErrored:
		return true
	}
	return false
}

// Valid reports whether p is a known lifecycle phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseCreating, PhaseAttaching, PhaseStarting, PhaseStarted,
		PhaseReadying, PhaseReady, PhaseRunning, PhaseCompleted,
		PhaseRebooting, PhaseRecreating, PhaseRestarting, PhaseStopping,
		PhaseStopped, PhaseDestroying, PhaseDestroyed, PhaseErrored:
		return true
	}
	return false
}

// DatabaseCredentials are returned by the provisioner when a project's
// database is provisioned and are carried in the project state so that a
// resumed project does not provision twice.
type DatabaseCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// ConnString renders the credentials as a postgres connection string.
func (c DatabaseCredentials) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, c.Port, c.Database)
}

// ProjectState is a project's persisted lifecycle snapshot. Each phase
// carries enough data to resume from that point: the container id once one
// exists, provisioned credentials once they exist, and the restart counter
// for back-to-back recovery attempts.
//
// Exactly one state row exists per project name; it is mutated only by the
// project's own state machine and deleted once the phase is destroyed.
type ProjectState struct {
	ProjectName   string               `json:"project_name"`
	Phase         Phase                `json:"phase"`
	Image         string               `json:"image"`
	ContainerID   string               `json:"container_id,omitempty"`
	NeedsDatabase bool                 `json:"needs_database"`
	Credentials   *DatabaseCredentials `json:"credentials,omitempty"`
	Restarts      int                  `json:"restarts"`
	Checked       bool                 `json:"checked"`
	Error         string               `json:"error,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// NewProject returns the initial state for a first provisioning request.
func NewProject(name, image string, needsDatabase bool) ProjectState {
	return ProjectState{
		ProjectName:   name,
		Phase:         PhaseCreating,
		Image:         image,
		NeedsDatabase: needsDatabase,
		UpdatedAt:     time.Now().UTC(),
	}
}
