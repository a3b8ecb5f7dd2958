// Package events provides event names and bus selection for the daemon.
// Every state-changing operation publishes one of these subjects; the API
// server re-broadcasts all of them to event-stream subscribers.
package events

// Task events.
const (
	TaskStarted   = "task.started"
	TaskMoved     = "task.moved"
	TaskUpdated   = "task.updated"
	TaskCompleted = "task.completed"
)

// Store change notification. Carries the store method name that wrote.
const DBChanged = "db.changed"

// Multiplexer driver diagnostics.
const (
	DriverInfo    = "info"
	DriverWarning = "warning"
	DriverError   = "error"
)

// Wildcard matches every subject on the bus.
const Wildcard = ">"
