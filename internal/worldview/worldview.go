// Package worldview computes and publishes the joined projection of
// the stack index and the Docker daemon's container inventory. The
// published snapshot sits behind a single atomic pointer: readers
// never lock, the one publisher copies-on-write.
package worldview

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/models"
	"github.com/deckhand/deckhand/internal/stackindex"
)

// standaloneBucket is the virtual project key for containers without a
// compose project label.
const standaloneBucket = "_standalone"

// safetyTickInterval is the fallback refresh cadence when no events
// arrive.
const safetyTickInterval = 60 * time.Second

// WorldView owns the snapshot publisher.
type WorldView struct {
	client  docker.Client
	index   *stackindex.Index
	updates *models.ImageUpdateStore

	current atomic.Pointer[Snapshot]
	tick    atomic.Uint64

	// refreshCh serialises refresh requests into the publisher goroutine.
	refreshCh chan struct{}

	// dirty stacks are prioritised (joined first) on the next tick.
	dirtyMu sync.Mutex
	dirty   map[string]bool

	// publishCh is closed and replaced on every publish; AwaitNext
	// waiters select on it.
	publishMu sync.Mutex
	publishCh chan struct{}

	onPublish []func(*Snapshot)
}

func New(client docker.Client, index *stackindex.Index, updates *models.ImageUpdateStore) *WorldView {
	wv := &WorldView{
		client:    client,
		index:     index,
		updates:   updates,
		refreshCh: make(chan struct{}, 1),
		dirty:     make(map[string]bool),
		publishCh: make(chan struct{}),
	}
	wv.current.Store(&Snapshot{Stacks: map[string]*StackView{}})
	return wv
}

// Current returns the latest published snapshot.
func (wv *WorldView) Current() *Snapshot {
	return wv.current.Load()
}

// OnPublish registers a callback invoked (from the publisher
// goroutine) after each snapshot publishes. Register before Start.
func (wv *WorldView) OnPublish(fn func(*Snapshot)) {
	wv.onPublish = append(wv.onPublish, fn)
}

// Invalidate requests a refresh on the next tick. Non-blocking;
// repeated calls coalesce.
func (wv *WorldView) Invalidate() {
	select {
	case wv.refreshCh <- struct{}{}:
	default:
	}
}

// MarkDirty flags a stack for prioritised rejoin on the next tick.
func (wv *WorldView) MarkDirty(stack string) {
	wv.dirtyMu.Lock()
	wv.dirty[stack] = true
	wv.dirtyMu.Unlock()
	wv.Invalidate()
}

// AwaitNext blocks until a snapshot published after the call, or ctx
// expires. Mutation handlers use it so their callbacks fire only once
// the snapshot incorporating the mutation's effect is out.
func (wv *WorldView) AwaitNext(ctx context.Context) error {
	wv.publishMu.Lock()
	ch := wv.publishCh
	wv.publishMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the publisher until ctx is cancelled: it refreshes on
// demand and on a safety tick.
func (wv *WorldView) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(safetyTickInterval)
		defer ticker.Stop()

		// Initial snapshot so early readers see real state.
		wv.Refresh(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-wv.refreshCh:
				wv.Refresh(ctx)
			case <-ticker.C:
				wv.Refresh(ctx)
			}
		}
	}()
}

// Refresh performs one tick: snapshot the index and the container
// inventory concurrently, join, reduce, enrich, publish.
func (wv *WorldView) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Consume the dirty set; it only orders the join, the result is
	// the same either way.
	wv.dirtyMu.Lock()
	dirty := wv.dirty
	wv.dirty = make(map[string]bool)
	wv.dirtyMu.Unlock()

	var (
		wg         sync.WaitGroup
		containers []docker.Container
		listErr    error
		stacks     map[string]*stackindex.Stack
		ignore     map[string]map[string]bool
		declared   map[string]map[string]string
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		containers, listErr = wv.client.ContainerList(ctx, true, "")
	}()
	go func() {
		defer wg.Done()
		stacks = wv.index.List()
		ignore = wv.index.IgnoreMap()
		declared = wv.index.DeclaredImages()
	}()
	wg.Wait()

	engineAvailable := listErr == nil
	if listErr != nil {
		slog.Warn("worldview: container list", "err", listErr)
		containers = nil
	}

	updateMap, err := wv.updates.UpdateMap()
	if err != nil {
		slog.Warn("worldview: update map", "err", err)
		updateMap = map[string]bool{}
	}

	snap := wv.join(stacks, containers, ignore, declared, updateMap, dirty)
	snap.EngineAvailable = engineAvailable
	snap.Tick = wv.tick.Add(1)
	snap.TakenAt = time.Now()

	wv.publish(snap)
}

func (wv *WorldView) publish(snap *Snapshot) {
	wv.current.Store(snap)

	wv.publishMu.Lock()
	close(wv.publishCh)
	wv.publishCh = make(chan struct{})
	wv.publishMu.Unlock()

	for _, fn := range wv.onPublish {
		fn(snap)
	}
}

// join builds the snapshot from the two inputs. Containers group by
// their compose project label; groups without a matching managed
// directory become unmanaged stack entries; label-less containers land
// in the standalone bucket.
func (wv *WorldView) join(
	stacks map[string]*stackindex.Stack,
	containers []docker.Container,
	ignore map[string]map[string]bool,
	declared map[string]map[string]string,
	updateMap map[string]bool,
	dirty map[string]bool,
) *Snapshot {
	snap := &Snapshot{
		Stacks: make(map[string]*StackView, len(stacks)),
	}

	// Managed stacks from the index, with service skeletons so every
	// non-ignored service appears even with zero containers.
	for name, s := range stacks {
		view := &StackView{
			Name:             name,
			Managed:          true,
			ComposeFileName:  s.ComposeFileName,
			OverrideFileName: s.OverrideFileName,
			Services:         make(map[string]*ServiceView),
		}
		if s.Spec != nil {
			for svcName := range s.Spec.Services {
				view.Services[svcName] = &ServiceView{
					Name:    svcName,
					Status:  ServiceUnknown,
					Ignored: ignore[name][svcName],
				}
			}
		}
		snap.Stacks[name] = view
	}

	// Group containers by project.
	byProject := make(map[string][]docker.Container)
	for _, c := range containers {
		key := c.Project
		if key == "" {
			key = standaloneBucket
		}
		byProject[key] = append(byProject[key], c)
	}

	// Join dirty stacks first; priority only, same end state.
	projects := make([]string, 0, len(byProject))
	for p := range byProject {
		if p != standaloneBucket {
			projects = append(projects, p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		if dirty[projects[i]] != dirty[projects[j]] {
			return dirty[projects[i]]
		}
		return projects[i] < projects[j]
	})

	for _, project := range projects {
		group := byProject[project]

		view, ok := snap.Stacks[project]
		if !ok {
			// Containers without a matching directory: unmanaged stack.
			view = &StackView{
				Name:     project,
				Managed:  false,
				Services: make(map[string]*ServiceView),
			}
			snap.Stacks[project] = view
		}

		declaredImages := declared[project]
		for _, c := range group {
			svcName := c.Service
			if svcName == "" {
				svcName = ServiceFromContainerName(c.Name)
			}

			svc, ok := view.Services[svcName]
			if !ok {
				svc = &ServiceView{
					Name:    svcName,
					Ignored: ignore[project][svcName],
				}
				view.Services[svcName] = svc
			}

			cv := ContainerView{
				Container:     c,
				ServiceName:   svcName,
				StackName:     project,
				Managed:       view.Managed,
				DeclaredImage: declaredImages[svcName],
			}
			cv.RecreateNeeded = cv.DeclaredImage != "" && c.Image != "" && c.Image != cv.DeclaredImage
			// Probes store results under the declared reference; the
			// running ref covers containers drifted from the file.
			hasUpdate := updateMap[c.Image] || (cv.DeclaredImage != "" && updateMap[cv.DeclaredImage])
			cv.ImageUpdateAvailable = hasUpdate && wv.updatesEnabled(stacks[project], svcName)

			svc.Containers = append(svc.Containers, cv)
		}
	}

	// Reduce services, then stacks; roll container flags up.
	for _, view := range snap.Stacks {
		for _, svc := range view.Services {
			if len(svc.Containers) > 0 {
				svc.Status = ReduceService(svc.Containers)
				sort.Slice(svc.Containers, func(i, j int) bool {
					return svc.Containers[i].Name < svc.Containers[j].Name
				})
			}
			for _, c := range svc.Containers {
				if c.ImageUpdateAvailable {
					view.UpdateAvailable = true
				}
				if c.RecreateNeeded {
					view.RecreateNeeded = true
				}
			}
		}
		view.Status = ReduceStack(view.Services, view.Managed)
	}

	// Standalone containers: never managed, no stack name, no status
	// contribution.
	for _, c := range byProject[standaloneBucket] {
		svcName := c.Service
		if svcName == "" {
			svcName = c.Name
		}
		snap.Standalone = append(snap.Standalone, ContainerView{
			Container:            c,
			ServiceName:          svcName,
			ImageUpdateAvailable: updateMap[c.Image],
		})
	}
	sort.Slice(snap.Standalone, func(i, j int) bool {
		return snap.Standalone[i].Name < snap.Standalone[j].Name
	})

	return snap
}

// updatesEnabled reads the service's update-check label; default on.
func (wv *WorldView) updatesEnabled(s *stackindex.Stack, svcName string) bool {
	if s == nil || s.Spec == nil {
		return true
	}
	spec, ok := s.Spec.Services[svcName]
	if !ok {
		return true
	}
	return spec.UpdatesEnabled()
}
