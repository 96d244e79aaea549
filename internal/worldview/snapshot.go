package worldview

import (
	"time"

	"github.com/deckhand/deckhand/internal/docker"
)

// Stack status values, in reduction precedence order.
type StackStatus string

const (
	StackUnknown          StackStatus = "unknown"
	StackCreatedFile      StackStatus = "created_file"
	StackCreatedStack     StackStatus = "created_stack"
	StackRunning          StackStatus = "running"
	StackExited           StackStatus = "exited"
	StackRunningAndExited StackStatus = "running_and_exited"
	StackUnhealthy        StackStatus = "unhealthy"
	StackInactive         StackStatus = "inactive"
)

// Service status values.
type ServiceStatus string

const (
	ServiceUnhealthy ServiceStatus = "unhealthy"
	ServiceRunning   ServiceStatus = "running"
	ServicePaused    ServiceStatus = "paused"
	ServiceCreated   ServiceStatus = "created"
	ServiceExited    ServiceStatus = "exited"
	ServiceUnknown   ServiceStatus = "unknown"
)

// ContainerView is a container enriched with its place in the joined
// projection.
type ContainerView struct {
	docker.Container

	ServiceName          string `json:"serviceName"`
	StackName            string `json:"stackName"` // "" for standalone containers
	Managed              bool   `json:"managed"`
	DeclaredImage        string `json:"declaredImage,omitempty"`
	ImageUpdateAvailable bool   `json:"imageUpdateAvailable"`
	RecreateNeeded       bool   `json:"recreateNeeded"`
}

// ServiceView groups a service's replica containers with their reduced
// status.
type ServiceView struct {
	Name       string          `json:"name"`
	Status     ServiceStatus   `json:"status"`
	Ignored    bool            `json:"ignored"` // excluded from stack status
	Containers []ContainerView `json:"containers"`
}

// StackView is the per-stack projection.
type StackView struct {
	Name             string                  `json:"name"`
	Status           StackStatus             `json:"status"`
	Managed          bool                    `json:"managed"`
	ComposeFileName  string                  `json:"composeFileName,omitempty"`
	OverrideFileName string                  `json:"overrideFileName,omitempty"`
	UpdateAvailable  bool                    `json:"imageUpdatesAvailable"`
	RecreateNeeded   bool                    `json:"recreateNecessary"`
	Services         map[string]*ServiceView `json:"services"`
}

// Started reports whether the stack has running containers.
func (s *StackView) Started() bool {
	switch s.Status {
	case StackRunning, StackRunningAndExited, StackUnhealthy:
		return true
	}
	return false
}

// Snapshot is one internally consistent projection: containers and
// stacks from the same tick. Snapshots are immutable once published;
// readers hold a pointer and never lock.
type Snapshot struct {
	Tick            uint64                `json:"tick"`
	TakenAt         time.Time             `json:"takenAt"`
	EngineAvailable bool                  `json:"engineAvailable"`
	Stacks          map[string]*StackView `json:"stacks"`
	Standalone      []ContainerView       `json:"standalone"`
}

// Containers flattens every container in the snapshot, stacks first,
// then standalone.
func (s *Snapshot) Containers() []ContainerView {
	var result []ContainerView
	for _, stack := range s.Stacks {
		for _, svc := range stack.Services {
			result = append(result, svc.Containers...)
		}
	}
	result = append(result, s.Standalone...)
	return result
}
