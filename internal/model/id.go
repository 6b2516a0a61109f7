package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewTaskID generates a new ULID string for use as a task identifier.
func NewTaskID() string {
	return ulid.Make().String()
}

// NewDeploymentID generates a new UUID string for use as a deployment identifier.
func NewDeploymentID() string {
	return uuid.NewString()
}
