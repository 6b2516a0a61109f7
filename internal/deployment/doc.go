// Package deployment implements the two-stage pipeline that moves user
// code artifacts from queued to running. A queue loop builds queued
// deployments; a run dispatcher gives every built deployment its own
// goroutine, where the running service races a broadcast kill signal.
// Deployment records are never reused: re-running a project's code means
// a fresh record pointing at the same artifact.
package deployment
