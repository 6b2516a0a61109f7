// Package task implements the cooperative poll engine that drives project
// lifecycles to a terminal phase. Each submitted task owns one project's
// state cursor; worker loops repeatedly poll the task, persist every
// snapshot that registered progress, and apply backoff or cancellation
// between polls. Progress is only ever observed through the store.
package task
