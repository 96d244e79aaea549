package worldview

import (
	"strings"
)

// ReduceService folds a service's replica containers into one status.
// Health outranks lifecycle state; then running > paused > created >
// exited.
func ReduceService(containers []ContainerView) ServiceStatus {
	var running, paused, created, exited, unhealthy int
	for _, c := range containers {
		if strings.EqualFold(c.Health, "unhealthy") {
			unhealthy++
			continue
		}
		switch strings.ToLower(c.State) {
		case "running", "restarting", "removing":
			running++
		case "paused":
			paused++
		case "created":
			created++
		case "exited", "dead":
			exited++
		}
	}

	switch {
	case unhealthy > 0:
		return ServiceUnhealthy
	case running > 0:
		return ServiceRunning
	case paused > 0:
		return ServicePaused
	case created > 0:
		return ServiceCreated
	case exited > 0:
		return ServiceExited
	default:
		return ServiceUnknown
	}
}

// ReduceStack folds the statuses of a stack's non-ignored services
// into the stack status. The managed flag decides between created_file
// and inactive when no containers exist at all.
func ReduceStack(services map[string]*ServiceView, managed bool) StackStatus {
	var running, exited, created, paused, unhealthy, counted int
	for _, svc := range services {
		if svc.Ignored {
			continue
		}
		counted++
		switch svc.Status {
		case ServiceUnhealthy:
			unhealthy++
		case ServiceRunning:
			running++
		case ServicePaused:
			paused++
		case ServiceCreated:
			created++
		case ServiceExited:
			exited++
		}
	}

	if counted == 0 {
		if managed {
			return StackCreatedFile
		}
		return StackInactive
	}

	switch {
	case unhealthy > 0:
		return StackUnhealthy
	case running > 0 && exited > 0:
		return StackRunningAndExited
	case running > 0:
		return StackRunning
	case paused > 0:
		// Paused counts as running for status purposes.
		return StackRunning
	case exited > 0:
		return StackExited
	case created > 0:
		return StackCreatedStack
	default:
		if managed {
			return StackCreatedFile
		}
		return StackUnknown
	}
}

// ServiceFromContainerName extracts the service name from a compose
// container name of the form "project-service-N". Best-effort; the
// compose service label is always preferred.
func ServiceFromContainerName(containerName string) string {
	parts := strings.Split(containerName, "-")
	if len(parts) < 3 {
		return containerName
	}
	return parts[len(parts)-2]
}
