package fakeengine

import (
	"encoding/json"
	"net/http"
	"time"
)

// --- events ---

func (e *Engine) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flush(w)

	subID, ch := e.subscribeEvents()
	defer e.unsubscribeEvents(subID)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if err := enc.Encode(evt); err != nil {
				return
			}
			flush(w)
		}
	}
}

func (e *Engine) subscribeEvents() (int, chan eventMessage) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan eventMessage, 64)
	e.eventSubs[id] = ch
	return id, ch
}

func (e *Engine) unsubscribeEvents(id int) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if ch, ok := e.eventSubs[id]; ok {
		close(ch)
		delete(e.eventSubs, id)
	}
}

// publishEvent fans a container event out to all subscribers,
// non-blocking (slow subscribers miss events, as with a real daemon).
func (e *Engine) publishEvent(action, cid, project, service string) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()

	now := time.Now()
	evt := eventMessage{
		Status: action,
		ID:     cid,
		Type:   "container",
		Action: action,
		Actor: eventActor{
			ID: cid,
			Attributes: map[string]string{
				"com.docker.compose.project": project,
				"com.docker.compose.service": service,
			},
		},
		Time:     now.Unix(),
		TimeNano: now.UnixNano(),
	}

	for _, ch := range e.eventSubs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// eventForStatus maps a target status onto the container event a real
// daemon would emit for the transition.
func eventForStatus(status string) string {
	switch status {
	case "running":
		return "start"
	case "exited", "stopped":
		return "die"
	case "paused":
		return "pause"
	case "created":
		return "create"
	default:
		return ""
	}
}

// --- admin extension ---

// handleMockStackState sets a stack's status and emits the matching
// synthetic events for each of its service containers.
func (e *Engine) handleMockStackState(w http.ResponseWriter, r *http.Request) {
	stack := r.PathValue("stack")

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	old := e.state.Stack(stack)
	e.state.SetStack(stack, body.Status)

	if old != body.Status {
		if action := eventForStatus(body.Status); action != "" {
			for _, svc := range fx.Services(stack) {
				e.publishEvent(action, containerID(stack, svc), stack, svc)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleMockServiceState overrides one service's state.
func (e *Engine) handleMockServiceState(w http.ResponseWriter, r *http.Request) {
	stack := r.PathValue("stack")
	service := r.PathValue("service")

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	e.state.SetService(stack, service, body.Status)

	if action := eventForStatus(body.Status); action != "" {
		e.publishEvent(action, containerID(stack, service), stack, service)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleMockStackDelete removes a stack, emitting destroy events for
// each of its containers first.
func (e *Engine) handleMockStackDelete(w http.ResponseWriter, r *http.Request) {
	stack := r.PathValue("stack")

	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	for _, svc := range fx.Services(stack) {
		e.publishEvent("destroy", containerID(stack, svc), stack, svc)
	}

	e.state.Remove(stack)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleMockReset reloads the fixtures from disk and drops runtime
// state. Destroy events go out for every previously present stack so
// consumers converge on the fresh world. Returns the fixture update
// flags so callers can reseed their stores.
func (e *Engine) handleMockReset(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	old := e.fixtures
	e.mu.RUnlock()

	for _, stack := range old.Stacks() {
		for _, svc := range old.Services(stack) {
			e.publishEvent("destroy", containerID(stack, svc), stack, svc)
		}
	}

	fresh := LoadFixtures(e.stacksDir)
	e.mu.Lock()
	e.fixtures = fresh
	e.mu.Unlock()
	e.state.Reset()

	// New world comes up running.
	for _, stack := range fresh.Stacks() {
		for _, svc := range fresh.Services(stack) {
			if e.containerState(fresh, stack, svc) == "running" {
				e.publishEvent("start", containerID(stack, svc), stack, svc)
			}
		}
	}

	writeJSON(w, http.StatusOK, struct {
		OK          bool            `json:"ok"`
		UpdateFlags map[string]bool `json:"updateFlags,omitempty"`
	}{OK: true, UpdateFlags: fresh.UpdateFlags()})
}

// handleMockLogs exposes the resolved log definition for one service,
// startup/shutdown lines expanded.
func (e *Engine) handleMockLogs(w http.ResponseWriter, r *http.Request) {
	stack := r.PathValue("stack")
	service := r.PathValue("service")

	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	logs := fx.ServiceLogsFor(stack, service)
	imgBase := "unknown"
	if img, ok := fx.serviceImages[stack+"/"+service]; ok {
		imgBase = imageBase(img)
	}

	startup := make([]string, len(logs.Startup))
	for i, line := range logs.Startup {
		startup[i] = ExpandLogTemplate(line, i, logs.BaseTime, logs.Interval, imgBase)
	}
	shutdown := make([]string, len(logs.Shutdown))
	for i, line := range logs.Shutdown {
		shutdown[i] = ExpandLogTemplate(line, i, logs.BaseTime, logs.Interval, imgBase)
	}

	writeJSON(w, http.StatusOK, struct {
		BaseTime  string   `json:"base_time"`
		Startup   []string `json:"startup"`
		Heartbeat []string `json:"heartbeat"`
		Interval  string   `json:"interval"`
		Shutdown  []string `json:"shutdown"`
	}{
		BaseTime:  logs.BaseTime.Format(time.RFC3339Nano),
		Startup:   startup,
		Heartbeat: logs.Heartbeat, // heartbeats stay templated; expansion is per tick
		Interval:  logs.Interval.String(),
		Shutdown:  shutdown,
	})
}
