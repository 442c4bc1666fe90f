// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/kilnlabs/kiln/internal/buildspec"
	"github.com/kilnlabs/kiln/internal/container"
)

// ErrBuild is the sentinel error wrapped by BuildError.
var ErrBuild = errors.New("image build failed")

type (
	// Record is a committed cache entry: an engine-built image keyed by
	// fingerprint. Records exist only for successful builds.
	Record struct {
		Fingerprint buildspec.Fingerprint
		Tag         container.ImageTag
		ImageID     string
		Kind        PlanKind
		CreatedAt   time.Time
		// Pinned records survive Prune; deploy images are always pinned.
		Pinned bool
	}

	// BuildError reports an engine build failure. The cache is left
	// unmodified and the engine's captured log tail is attached.
	BuildError struct {
		Tag     container.ImageTag
		LogTail string
		Err     error
	}

	// Options configures a Manager.
	Options struct {
		// RunnerDir is the host directory holding the channel runner
		// sources bundled into every image.
		RunnerDir string
		// ChannelPort is the runner's listen port in dev images.
		ChannelPort int
		// BuildTimeout bounds a single engine build invocation.
		BuildTimeout time.Duration
		// LogTailLines is how much build output a BuildError retains.
		LogTailLines int
		// NoCache disables the engine's layer cache.
		NoCache bool
	}

	// Manager owns the image cache: fingerprint computation, build
	// coalescing, record commits, and the retention sweep.
	Manager struct {
		engine container.Engine
		fp     *buildspec.Fingerprinter
		opts   Options
		log    *log.Logger

		group singleflight.Group

		mu       sync.Mutex
		records  map[container.ImageTag]*Record
		building map[container.ImageTag]bool
	}
)

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.LogTail != "" {
		return fmt.Sprintf("build of %s failed: %v\n--- build log tail ---\n%s", e.Tag, e.Err, e.LogTail)
	}
	return fmt.Sprintf("build of %s failed: %v", e.Tag, e.Err)
}

// Unwrap returns ErrBuild so callers can use errors.Is.
func (e *BuildError) Unwrap() error { return ErrBuild }

// NewManager creates a Manager.
func NewManager(engine container.Engine, fp *buildspec.Fingerprinter, opts Options, logger *log.Logger) *Manager {
	if opts.ChannelPort == 0 {
		opts.ChannelPort = DefaultChannelPort
	}
	if opts.BuildTimeout == 0 {
		opts.BuildTimeout = 15 * time.Minute
	}
	if opts.LogTailLines == 0 {
		opts.LogTailLines = 40
	}
	return &Manager{
		engine:   engine,
		fp:       fp,
		opts:     opts,
		log:      logger.WithPrefix("image"),
		records:  make(map[container.ImageTag]*Record),
		building: make(map[container.ImageTag]bool),
	}
}

// Ensure returns the dev image for a spec, building it if the cache misses.
// Concurrent callers with the same fingerprint share one build: the first
// performs it and the rest receive its result, success or failure alike.
func (m *Manager) Ensure(ctx context.Context, spec *buildspec.BuildSpec) (*Record, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	fp, err := m.fp.Fingerprint(spec)
	if err != nil {
		return nil, err
	}
	plan := RenderDevPlan(spec, fp, m.opts.ChannelPort)
	return m.ensure(ctx, plan, fp, false)
}

// EnsureStandalone returns the deploy image for a spec and payload, building
// it if needed. The payload feeds the cache key: different baked payloads
// are different images. Deploy records are pinned.
func (m *Manager) EnsureStandalone(ctx context.Context, spec *buildspec.BuildSpec, payload []byte, servicePort int) (*Record, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	fp, err := m.fp.Fingerprint(spec)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write([]byte(fp))
	h.Write(payload)
	key := buildspec.Fingerprint(hex.EncodeToString(h.Sum(nil)))

	plan := RenderDeployPlan(spec, key, payload, servicePort)
	return m.ensure(ctx, plan, key, true)
}

// Record returns the committed record for a tag, if any.
func (m *Manager) Record(tag container.ImageTag) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tag]
	return rec, ok
}

// Records returns all committed records.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

func (m *Manager) ensure(ctx context.Context, plan *Plan, fp buildspec.Fingerprint, pinned bool) (*Record, error) {
	v, err, _ := m.group.Do(string(plan.Tag), func() (any, error) {
		if rec := m.cached(ctx, plan.Tag); rec != nil {
			m.log.Debug("image cache hit", "tag", plan.Tag)
			return rec, nil
		}
		return m.build(ctx, plan, fp, pinned)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

// cached returns a usable record: one that is committed and whose image is
// still present in the engine's local store. A record whose image was pruned
// behind our back is dropped so the build path can recreate it.
func (m *Manager) cached(ctx context.Context, tag container.ImageTag) *Record {
	m.mu.Lock()
	rec, ok := m.records[tag]
	m.mu.Unlock()

	exists, err := m.engine.ImageExists(ctx, tag)
	if err != nil || !exists {
		if ok {
			m.mu.Lock()
			delete(m.records, tag)
			m.mu.Unlock()
		}
		return nil
	}
	if ok {
		return rec
	}

	// Image present but unknown to this process (e.g., built by a prior
	// run). Adopt it.
	id, _ := m.engine.ImageID(ctx, tag)
	rec = &Record{
		Fingerprint: "",
		Tag:         tag,
		ImageID:     id,
		CreatedAt:   time.Now(),
		Pinned:      IsDeployTag(tag),
	}
	if IsDeployTag(tag) {
		rec.Kind = PlanDeploy
	} else {
		rec.Kind = PlanDev
	}
	m.mu.Lock()
	m.records[tag] = rec
	m.mu.Unlock()
	return rec
}

func (m *Manager) build(ctx context.Context, plan *Plan, fp buildspec.Fingerprint, pinned bool) (*Record, error) {
	m.setBuilding(plan.Tag, true)
	defer m.setBuilding(plan.Tag, false)

	m.log.Info("building image", "tag", plan.Tag, "kind", plan.Kind)

	ctxDir, cleanup, err := materializeContext(plan, m.opts.RunnerDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	buildCtx := ctx
	if m.opts.BuildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, m.opts.BuildTimeout)
		defer cancel()
	}

	tail := newTailWriter(m.opts.LogTailLines)
	buildErr := m.engine.Build(buildCtx, container.BuildOptions{
		ContextDir: ctxDir,
		Dockerfile: "Dockerfile",
		Tag:        plan.Tag,
		Labels:     plan.Labels,
		NoCache:    m.opts.NoCache,
		Stdout:     tail,
		Stderr:     tail,
	})
	if buildErr != nil {
		// Commit nothing: a failed build must leave no record behind.
		return nil, &BuildError{Tag: plan.Tag, LogTail: tail.String(), Err: buildErr}
	}

	id, _ := m.engine.ImageID(ctx, plan.Tag)
	rec := &Record{
		Fingerprint: fp,
		Tag:         plan.Tag,
		ImageID:     id,
		Kind:        plan.Kind,
		CreatedAt:   time.Now(),
		Pinned:      pinned || IsDeployTag(plan.Tag),
	}
	m.mu.Lock()
	m.records[plan.Tag] = rec
	m.mu.Unlock()

	m.log.Info("image built", "tag", plan.Tag)
	return rec, nil
}

func (m *Manager) setBuilding(tag container.ImageTag, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.building[tag] = true
	} else {
		delete(m.building, tag)
	}
}

// Prune removes managed images that are neither pinned, nor the image of a
// committed record, nor backing a running container, nor mid-build. Exited
// managed containers are removed first so their images become eligible.
// Returns the number of images removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	label := ManagedLabel + "=true"

	containers, err := m.engine.ListContainers(ctx, label, true)
	if err != nil {
		return 0, fmt.Errorf("prune: list containers: %w", err)
	}
	inUse := make(map[string]bool)
	for _, c := range containers {
		if c.Running {
			inUse[c.Image] = true
			continue
		}
		if err := m.engine.Remove(ctx, c.ID, true); err != nil {
			m.log.Warn("prune: could not remove stopped container", "id", c.ID, "err", err)
		}
	}

	images, err := m.engine.ListImages(ctx, label)
	if err != nil {
		return 0, fmt.Errorf("prune: list images: %w", err)
	}

	m.mu.Lock()
	keep := make(map[container.ImageTag]bool, len(m.records)+len(m.building))
	// Every committed record is still current; pinned or not, it stays.
	for tag := range m.records {
		keep[tag] = true
	}
	for tag := range m.building {
		keep[tag] = true
	}
	m.mu.Unlock()

	removed := 0
	for _, img := range images {
		if keep[img.Tag] || IsDeployTag(img.Tag) {
			continue
		}
		if inUse[string(img.Tag)] || inUse[img.ID] {
			continue
		}
		if err := m.engine.RemoveImage(ctx, img.Tag, true); err != nil {
			m.log.Warn("prune: could not remove image", "tag", img.Tag, "err", err)
			continue
		}
		m.log.Debug("pruned image", "tag", img.Tag)
		removed++
	}
	if removed > 0 {
		m.log.Info("pruned stale images", "count", removed)
	}
	return removed, nil
}
