package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/heliosml/helios/pkg/models"
)

// MemoryStore is an in-process ArtifactStore used when persistent storage is
// disabled, and in tests. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[models.ModelKey][]models.TrainedModel
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[models.ModelKey][]models.TrainedModel)}
}

// Put stores an artifact; an existing (key, version) entry is overwritten
func (s *MemoryStore) Put(_ context.Context, tm models.TrainedModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tm.Meta.Key()
	versions := s.artifacts[key]
	for i, existing := range versions {
		if existing.Meta.Version == tm.Meta.Version {
			versions[i] = tm
			return nil
		}
	}
	s.artifacts[key] = append(versions, tm)
	return nil
}

// Get fetches a specific version
func (s *MemoryStore) Get(_ context.Context, key models.ModelKey, version string) (models.TrainedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tm := range s.artifacts[key] {
		if tm.Meta.Version == version {
			return tm, nil
		}
	}
	return models.TrainedModel{}, ErrNotFound
}

// Latest fetches the most recently trained version for a key
func (s *MemoryStore) Latest(_ context.Context, key models.ModelKey) (models.TrainedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.artifacts[key]
	if len(versions) == 0 {
		return models.TrainedModel{}, ErrNotFound
	}
	latest := versions[0]
	for _, tm := range versions[1:] {
		if tm.Meta.TrainedAt.After(latest.Meta.TrainedAt) {
			latest = tm
		}
	}
	return latest, nil
}

// ListVersions returns stored metadata, newest first
func (s *MemoryStore) ListVersions(_ context.Context, key models.ModelKey, limit int) ([]models.ModelMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]models.ModelMetadata, 0, len(s.artifacts[key]))
	for _, tm := range s.artifacts[key] {
		metas = append(metas, tm.Meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].TrainedAt.After(metas[j].TrainedAt)
	})
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

// Prune drops all but the newest keep versions
func (s *MemoryStore) Prune(_ context.Context, key models.ModelKey, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.artifacts[key]
	if len(versions) <= keep {
		return nil
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Meta.TrainedAt.After(versions[j].Meta.TrainedAt)
	})
	s.artifacts[key] = versions[:keep]
	return nil
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
