// Package machine implements the per-project finite state machine that
// drives backing infrastructure through its lifecycle. Each step performs
// at most one externally visible side effect against the container engine,
// the provisioner, or the deployment pipeline, and computes the next
// lifecycle snapshot. The task engine persists every computed snapshot
// before evaluating the next step.
package machine
