package domain

// EventType identifies the kind of fact carried by an Event.
type EventType string

const (
	EventDeploymentStatus  EventType = "deployment:status"
	EventDeploymentCreated EventType = "deployment:created"
	EventDeploymentDeleted EventType = "deployment:deleted"
	EventBuildOutput       EventType = "build:output"
	EventBuildComplete     EventType = "build:complete"
	EventRequestLogged     EventType = "request:logged"
	EventMetricsUpdate     EventType = "metrics:update"
	EventContainerLogs     EventType = "container:logs"
	EventExecOutput        EventType = "exec:output"
	EventExecExit          EventType = "exec:exit"
)

// Event is an immutable fact published on the bus and relayed to clients.
type Event struct {
	Type           EventType `json:"type"`
	DeploymentName string    `json:"deploymentName,omitempty"`
	Data           any       `json:"data,omitempty"`
}
