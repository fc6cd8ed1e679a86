// Package registry owns the live model instances per (workload, model kind,
// target metric) key. Swaps are atomic pointer replacements: readers see the
// old model or the new one, never a partial state.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/heliosml/helios/pkg/models"
	"github.com/heliosml/helios/pkg/storage"
)

// State is the lifecycle phase of a registry slot
type State string

const (
	StateUnloaded   State = "unloaded"
	StateLoading    State = "loading"
	StateActive     State = "active"
	StateSuperseded State = "superseded"
)

// ModelUnavailableError reports that no servable model exists for a key and
// no last-known-good fallback is available
type ModelUnavailableError struct {
	Key models.ModelKey
	Err error
}

func (e *ModelUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model %s unavailable: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("model %s unavailable", e.Key)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// Decoder turns a stored artifact back into a servable model
type Decoder func(models.TrainedModel) (models.Servable, error)

// Manager loads, serves, and hot-swaps models. Safe for concurrent use by
// the scoring loop and API handlers; concurrent loads of the same key are
// deduplicated so only one artifact fetch is in flight per key.
type Manager struct {
	store       storage.ArtifactStore
	decoders    map[models.ModelKind]Decoder
	loadTimeout time.Duration
	retained    int
	logger      *zap.Logger
	onLoad      func(status string)

	mu      sync.RWMutex
	entries map[models.ModelKey]*entry
	group   singleflight.Group
}

type served struct {
	model models.Servable
}

type entry struct {
	active atomic.Pointer[served]

	mu       sync.Mutex
	state    State
	lastErr  error
	previous []models.Servable // rollback candidates, newest first
}

// NewManager creates a model manager backed by an artifact store
func NewManager(store storage.ArtifactStore, decoders map[models.ModelKind]Decoder, loadTimeout time.Duration, retained int, logger *zap.Logger) *Manager {
	if retained < 1 {
		retained = 1
	}
	return &Manager{
		store:       store,
		decoders:    decoders,
		loadTimeout: loadTimeout,
		retained:    retained,
		logger:      logger,
		entries:     make(map[models.ModelKey]*entry),
	}
}

// OnLoad registers a callback invoked with "success" or "failure" after
// every artifact load attempt. Set it before the manager starts serving.
func (m *Manager) OnLoad(fn func(status string)) {
	m.onLoad = fn
}

func (m *Manager) reportLoad(status string) {
	if m.onLoad != nil {
		m.onLoad(status)
	}
}

func (m *Manager) entryFor(key models.ModelKey) *entry {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[key]; ok {
		return e
	}
	e = &entry{state: StateUnloaded}
	m.entries[key] = e
	return e
}

// Acquire returns the active model for a key, loading it from the artifact
// store on first use. The boolean reports staleness: true means the returned
// model is a last-known-good fallback after a failed load or refresh.
func (m *Manager) Acquire(ctx context.Context, key models.ModelKey) (models.Servable, bool, error) {
	e := m.entryFor(key)

	if s := e.active.Load(); s != nil {
		e.mu.Lock()
		stale := e.lastErr != nil
		e.mu.Unlock()
		return s.model, stale, nil
	}

	if err := m.load(ctx, key, e); err != nil {
		// Fall back to the newest retained version rather than failing.
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.previous) > 0 {
			return e.previous[0], true, nil
		}
		return nil, false, &ModelUnavailableError{Key: key, Err: err}
	}

	s := e.active.Load()
	if s == nil {
		return nil, false, &ModelUnavailableError{Key: key}
	}
	return s.model, false, nil
}

// load fetches and decodes the latest stored artifact for a key. Concurrent
// callers share a single fetch.
func (m *Manager) load(ctx context.Context, key models.ModelKey, e *entry) error {
	_, err, _ := m.group.Do(key.String(), func() (any, error) {
		e.mu.Lock()
		e.state = StateLoading
		e.mu.Unlock()

		loadCtx, cancel := context.WithTimeout(ctx, m.loadTimeout)
		defer cancel()

		tm, err := m.store.Latest(loadCtx, key)
		if err != nil {
			m.recordLoadFailure(key, e, fmt.Errorf("artifact fetch failed: %w", err))
			return nil, err
		}

		decoder, ok := m.decoders[tm.Meta.Kind]
		if !ok {
			err := fmt.Errorf("no decoder registered for model kind %q", tm.Meta.Kind)
			m.recordLoadFailure(key, e, err)
			return nil, err
		}
		model, err := decoder(tm)
		if err != nil {
			m.recordLoadFailure(key, e, fmt.Errorf("artifact decode failed: %w", err))
			return nil, err
		}

		m.install(e, model, false)
		m.reportLoad("success")
		m.logger.Info("model loaded",
			zap.String("key", key.String()),
			zap.String("version", tm.Meta.Version))
		return nil, nil
	})
	return err
}

func (m *Manager) recordLoadFailure(key models.ModelKey, e *entry, err error) {
	e.mu.Lock()
	e.state = StateUnloaded
	e.lastErr = err
	e.mu.Unlock()
	m.reportLoad("failure")
	m.logger.Warn("model load failed", zap.String("key", key.String()), zap.Error(err))
}

// install atomically swaps the active model. A load that lost a race against
// a newer registration is discarded rather than installed.
func (m *Manager) install(e *entry, model models.Servable, force bool) bool {
	for {
		old := e.active.Load()
		if old != nil && !force {
			// Keep whichever model is newer.
			if !model.Metadata().TrainedAt.After(old.model.Metadata().TrainedAt) {
				e.mu.Lock()
				e.state = StateActive
				e.lastErr = nil
				e.mu.Unlock()
				return false
			}
		}
		if e.active.CompareAndSwap(old, &served{model: model}) {
			e.mu.Lock()
			e.state = StateActive
			e.lastErr = nil
			if old != nil {
				e.previous = append([]models.Servable{old.model}, e.previous...)
				if len(e.previous) > m.retained {
					e.previous = e.previous[:m.retained]
				}
			}
			e.mu.Unlock()
			return true
		}
	}
}

// Register activates a freshly trained model, superseding the previous
// version for its key. The swap is atomic from the callers' perspective.
func (m *Manager) Register(model models.Servable) {
	meta := model.Metadata()
	e := m.entryFor(meta.Key())
	m.install(e, model, true)
	m.logger.Info("model registered",
		zap.String("key", meta.Key().String()),
		zap.String("version", meta.Version))
}

// Rollback reactivates the most recently superseded version for a key
func (m *Manager) Rollback(key models.ModelKey) error {
	e := m.entryFor(key)

	e.mu.Lock()
	if len(e.previous) == 0 {
		e.mu.Unlock()
		return &ModelUnavailableError{Key: key, Err: fmt.Errorf("no previous version retained")}
	}
	prev := e.previous[0]
	e.previous = e.previous[1:]
	e.mu.Unlock()

	old := e.active.Swap(&served{model: prev})
	e.mu.Lock()
	e.state = StateActive
	e.lastErr = nil
	e.mu.Unlock()
	if old != nil {
		m.logger.Info("model rolled back",
			zap.String("key", key.String()),
			zap.String("from", old.model.Metadata().Version),
			zap.String("to", prev.Metadata().Version))
	}
	return nil
}

// Refresh re-loads the latest stored artifact for a key. On failure the
// current active model keeps serving and is marked stale.
func (m *Manager) Refresh(ctx context.Context, key models.ModelKey) error {
	e := m.entryFor(key)
	return m.load(ctx, key, e)
}

// ActiveMetadata returns the metadata of the active model for a key without
// triggering a load
func (m *Manager) ActiveMetadata(key models.ModelKey) (models.ModelMetadata, bool) {
	e := m.entryFor(key)
	if s := e.active.Load(); s != nil {
		return s.model.Metadata(), true
	}
	return models.ModelMetadata{}, false
}

// LoadedKeys lists keys that currently have an active model, sorted
func (m *Manager) LoadedKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, e := range m.entries {
		if e.active.Load() != nil {
			keys = append(keys, key.String())
		}
	}
	sort.Strings(keys)
	return keys
}

// ListModels returns metadata for every active model, sorted by key
func (m *Manager) ListModels() []models.ModelMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var metas []models.ModelMetadata
	for _, e := range m.entries {
		if s := e.active.Load(); s != nil {
			metas = append(metas, s.model.Metadata())
		}
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Key().String() < metas[j].Key().String()
	})
	return metas
}

// States reports the lifecycle state of every known key. Versions that were
// replaced but are still retained for rollback appear as "key@version" in
// the superseded state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.entries))
	for key, e := range m.entries {
		e.mu.Lock()
		states[key.String()] = e.state
		for _, prev := range e.previous {
			states[key.String()+"@"+prev.Metadata().Version] = StateSuperseded
		}
		e.mu.Unlock()
	}
	return states
}
