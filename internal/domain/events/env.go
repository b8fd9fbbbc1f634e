package events

// ResourceUsage is the most recent observed usage of an environment.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu"`
	MemoryMB   float64 `json:"memory"`
	DiskMB     float64 `json:"disk"`
}

// EnvStatusPayload is the payload for env.status events.
type EnvStatusPayload struct {
	EnvironmentID string        `json:"environmentId"`
	State         string        `json:"state"`
	ResourceUsage ResourceUsage `json:"resourceUsage"`
	Error         string        `json:"error,omitempty"`
}

// NewEnvStatusEvent creates a new env.status event.
func NewEnvStatusEvent(projectID, environmentID, state string, usage ResourceUsage, errMsg string) *BaseEvent {
	return NewProjectEvent(EventTypeEnvStatus, projectID, EnvStatusPayload{
		EnvironmentID: environmentID,
		State:         state,
		ResourceUsage: usage,
		Error:         errMsg,
	})
}
