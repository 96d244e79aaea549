package worldview

import (
	"testing"

	"github.com/deckhand/deckhand/internal/docker"
)

func cv(name, state, health string) ContainerView {
	return ContainerView{Container: docker.Container{Name: name, State: state, Health: health}}
}

func TestReduceService(t *testing.T) {
	tests := []struct {
		name       string
		containers []ContainerView
		want       ServiceStatus
	}{
		{"empty", nil, ServiceUnknown},
		{"single running", []ContainerView{cv("a", "running", "")}, ServiceRunning},
		{"unhealthy beats running", []ContainerView{cv("a", "running", "unhealthy"), cv("b", "running", "")}, ServiceUnhealthy},
		{"healthy is just running", []ContainerView{cv("a", "running", "healthy")}, ServiceRunning},
		{"running beats paused", []ContainerView{cv("a", "paused", ""), cv("b", "running", "")}, ServiceRunning},
		{"paused beats created", []ContainerView{cv("a", "created", ""), cv("b", "paused", "")}, ServicePaused},
		{"created beats exited", []ContainerView{cv("a", "exited", ""), cv("b", "created", "")}, ServiceCreated},
		{"all exited", []ContainerView{cv("a", "exited", ""), cv("b", "dead", "")}, ServiceExited},
		{"restarting counts as running", []ContainerView{cv("a", "restarting", "")}, ServiceRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReduceService(tt.containers); got != tt.want {
				t.Errorf("ReduceService() = %v, want %v", got, tt.want)
			}
		})
	}
}

func svc(status ServiceStatus, ignored bool) *ServiceView {
	return &ServiceView{Status: status, Ignored: ignored}
}

func TestReduceStack(t *testing.T) {
	tests := []struct {
		name     string
		services map[string]*ServiceView
		managed  bool
		want     StackStatus
	}{
		{
			name:     "no services managed",
			services: map[string]*ServiceView{},
			managed:  true,
			want:     StackCreatedFile,
		},
		{
			name:     "no services unmanaged",
			services: map[string]*ServiceView{},
			managed:  false,
			want:     StackInactive,
		},
		{
			name: "all running",
			services: map[string]*ServiceView{
				"a": svc(ServiceRunning, false),
				"b": svc(ServiceRunning, false),
			},
			managed: true,
			want:    StackRunning,
		},
		{
			name: "partial",
			services: map[string]*ServiceView{
				"a": svc(ServiceRunning, false),
				"b": svc(ServiceExited, false),
			},
			managed: true,
			want:    StackRunningAndExited,
		},
		{
			name: "unhealthy wins",
			services: map[string]*ServiceView{
				"a": svc(ServiceRunning, false),
				"b": svc(ServiceUnhealthy, false),
			},
			managed: true,
			want:    StackUnhealthy,
		},
		{
			name: "all exited",
			services: map[string]*ServiceView{
				"a": svc(ServiceExited, false),
				"b": svc(ServiceExited, false),
			},
			managed: true,
			want:    StackExited,
		},
		{
			name: "created only",
			services: map[string]*ServiceView{
				"a": svc(ServiceCreated, false),
			},
			managed: true,
			want:    StackCreatedStack,
		},
		{
			name: "paused reports running",
			services: map[string]*ServiceView{
				"a": svc(ServicePaused, false),
			},
			managed: true,
			want:    StackRunning,
		},
		{
			// Ignored exited service doesn't drag the stack down.
			name: "status reduction with ignore",
			services: map[string]*ServiceView{
				"web":   svc(ServiceExited, true),
				"db":    svc(ServiceRunning, false),
				"cache": svc(ServiceRunning, false),
			},
			managed: true,
			want:    StackRunning,
		},
		{
			// Every non-ignored service exited but containers exist.
			name: "ignored running does not mask exited",
			services: map[string]*ServiceView{
				"web": svc(ServiceRunning, true),
				"db":  svc(ServiceExited, false),
			},
			managed: true,
			want:    StackExited,
		},
		{
			// Only ignored services: nothing counts, files exist.
			name: "all ignored",
			services: map[string]*ServiceView{
				"web": svc(ServiceRunning, true),
			},
			managed: true,
			want:    StackCreatedFile,
		},
		{
			// Skeleton services with no containers at all.
			name: "skeletons only",
			services: map[string]*ServiceView{
				"a": svc(ServiceUnknown, false),
				"b": svc(ServiceUnknown, false),
			},
			managed: true,
			want:    StackCreatedFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReduceStack(tt.services, tt.managed); got != tt.want {
				t.Errorf("ReduceStack() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceFromContainerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"web-app-nginx-1", "nginx"},
		{"demo-db-2", "db"},
		{"plain", "plain"},
		{"a-b", "a-b"},
	}
	for _, tt := range tests {
		if got := ServiceFromContainerName(tt.in); got != tt.want {
			t.Errorf("ServiceFromContainerName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Determinism: the same container multiset and ignore set always
// reduce to the same statuses.
func TestReduceDeterministic(t *testing.T) {
	containers := []ContainerView{
		cv("a-web-1", "running", ""),
		cv("a-db-1", "exited", ""),
		cv("a-db-2", "running", "unhealthy"),
	}
	first := ReduceService(containers)
	for i := 0; i < 50; i++ {
		if got := ReduceService(containers); got != first {
			t.Fatalf("reduction not deterministic: %v vs %v", got, first)
		}
	}
}
