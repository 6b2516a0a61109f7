// Package containers defines the engine driver interface the project state
// machine runs against, along with the Docker implementation used in
// production. Fakes implementing Engine back the state machine and task
// engine tests.
package containers
