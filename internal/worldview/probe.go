package worldview

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/deckhand/deckhand/internal/models"
)

// firstProbeDelay keeps startup quiet; the first registry sweep runs a
// few minutes after boot.
const firstProbeDelay = 5 * time.Minute

// Prober periodically resolves remote manifest digests for every
// unique image reference declared by update-enabled services and
// persists the comparison in the store. WorldView's update bit is a
// pure read of that map.
type Prober struct {
	wv       *WorldView
	interval time.Duration
}

func NewProber(wv *WorldView, interval time.Duration) *Prober {
	return &Prober{wv: wv, interval: interval}
}

// Start runs the background probe loop. A pass is skipped while the
// last recorded pass is younger than the interval, so restarts don't
// hammer registries.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		timer := time.NewTimer(firstProbeDelay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			last, err := p.wv.updates.GetLastCheckTime()
			if err == nil && time.Since(last) >= p.interval {
				p.RunPass(ctx)
			}

			timer.Reset(p.interval)
		}
	}()
}

// RunPass probes every unique update-enabled image reference once.
func (p *Prober) RunPass(ctx context.Context) {
	refs := p.collectRefs("")
	slog.Info("image update pass", "refs", len(refs))

	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		p.probeOne(ctx, ref)
	}

	if err := p.wv.updates.SetLastCheckTime(time.Now()); err != nil {
		slog.Warn("record update pass time", "err", err)
	}
	p.wv.Invalidate()
}

// CheckStack probes just one stack's image references, for the
// on-demand check operation.
func (p *Prober) CheckStack(ctx context.Context, stackName string) {
	refs := p.collectRefs(stackName)
	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		p.probeOne(ctx, ref)
	}
	p.wv.Invalidate()
}

// collectRefs gathers unique declared image references from services
// whose update-check label is enabled, optionally restricted to one
// stack.
func (p *Prober) collectRefs(onlyStack string) []string {
	seen := make(map[string]bool)
	var refs []string

	for name, s := range p.wv.index.List() {
		if onlyStack != "" && name != onlyStack {
			continue
		}
		if s.Spec == nil {
			continue
		}
		for _, spec := range s.Spec.Services {
			if spec.Image == "" || !spec.UpdatesEnabled() {
				continue
			}
			if !seen[spec.Image] {
				seen[spec.Image] = true
				refs = append(refs, spec.Image)
			}
		}
	}
	return refs
}

// probeOne compares the local digest against the registry's manifest
// digest for one reference and stores the result. Probe failures are
// transient by contract; the stored record keeps its previous value.
func (p *Prober) probeOne(ctx context.Context, imageRef string) {
	normalized := normalizeRef(imageRef)

	remote, err := p.wv.client.RegistryDescriptor(ctx, normalized)
	if err != nil || remote == "" {
		slog.Debug("registry probe failed", "ref", imageRef, "err", err)
		return
	}

	localDigests, err := p.wv.client.ImageDigests(ctx, imageRef)
	if err != nil {
		slog.Debug("local digest lookup failed", "ref", imageRef, "err", err)
		return
	}

	local := ""
	hasUpdate := false
	if len(localDigests) > 0 {
		// RepoDigests entries look like "repo@sha256:...".
		local = localDigests[0]
		if idx := strings.Index(local, "@"); idx >= 0 {
			local = local[idx+1:]
		}
		hasUpdate = true
		for _, d := range localDigests {
			if strings.HasSuffix(d, remote) {
				hasUpdate = false
				break
			}
		}
	}

	rec := models.ImageUpdateRecord{
		ImageRef:      imageRef,
		LocalDigest:   local,
		RemoteDigest:  remote,
		HasUpdate:     hasUpdate,
		LastCheckedAt: time.Now().Unix(),
	}
	if err := p.wv.updates.Upsert(rec); err != nil {
		slog.Warn("store image update", "ref", imageRef, "err", err)
	}
}

// normalizeRef expands an image reference to its fully qualified,
// tagged form ("nginx" → "docker.io/library/nginx:latest") for the
// distribution endpoint.
func normalizeRef(imageRef string) string {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return imageRef
	}
	return reference.TagNameOnly(named).String()
}
