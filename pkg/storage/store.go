// Package storage provides the model artifact store collaborator: versioned
// get/put of serialized trained models with last-writer-wins semantics.
package storage

import (
	"context"
	"errors"

	"github.com/heliosml/helios/pkg/models"
)

// ErrNotFound is returned when no artifact exists for a key/version
var ErrNotFound = errors.New("model artifact not found")

// ArtifactStore persists trained model artifacts. Writes for the same
// (key, version) are last-writer-wins; the storage technology behind the
// interface is not mandated.
type ArtifactStore interface {
	// Put stores an artifact under its metadata key and version
	Put(ctx context.Context, tm models.TrainedModel) error

	// Get fetches a specific version
	Get(ctx context.Context, key models.ModelKey, version string) (models.TrainedModel, error)

	// Latest fetches the most recently trained version for a key
	Latest(ctx context.Context, key models.ModelKey) (models.TrainedModel, error)

	// ListVersions returns metadata for stored versions, newest first
	ListVersions(ctx context.Context, key models.ModelKey, limit int) ([]models.ModelMetadata, error)

	// Prune drops all but the newest keep versions for a key
	Prune(ctx context.Context, key models.ModelKey, keep int) error

	Ping(ctx context.Context) error
	Close() error
}
