// Package modelrepo provides the model manifest facade. The gateway core
// consults it to learn which artifact frameworks and providers a model is
// compatible with and which tenants may see it.
package modelrepo

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfluxai/fluxgate/core"
)

// ErrModelNotFound wraps core.ErrNotFound for manifest lookups.
var ErrModelNotFound = fmt.Errorf("model manifest: %w", core.ErrNotFound)

// ArtifactDescriptor describes one deployable form of a model.
type ArtifactDescriptor struct {
	Framework    string `json:"framework"` // gguf, onnx, litert, api, ...
	URI          string `json:"uri"`
	SizeBytes    int64  `json:"sizeBytes,omitempty"`
	Quantization string `json:"quantization,omitempty"`
}

// CapabilityFlags declares what the model supports.
type CapabilityFlags struct {
	FunctionCalling bool `json:"functionCalling"`
	Multimodal      bool `json:"multimodal"`
	Embeddings      bool `json:"embeddings"`
}

// Manifest is the repository record for a model. Artifacts are keyed by
// framework; every provider that claims the model must match one artifact
// framework.
type Manifest struct {
	ModelID      string                        `json:"modelId"`
	Tenants      []string                      `json:"tenants,omitempty"` // empty means public
	Artifacts    map[string]ArtifactDescriptor `json:"artifacts"`
	Capabilities CapabilityFlags               `json:"capabilities"`
	// Providers optionally pins the manifest to explicit provider ids.
	Providers []string `json:"providers,omitempty"`
}

// VisibleTo reports whether the tenant may use the model.
func (m *Manifest) VisibleTo(tenantID string) bool {
	if len(m.Tenants) == 0 {
		return true
	}
	for _, t := range m.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Repository looks up model manifests. Implementations return
// ErrModelNotFound for unknown or tenant-invisible models.
type Repository interface {
	FindByID(ctx context.Context, modelID, tenantID string) (*Manifest, error)
}

// InMemoryRepository implements Repository in memory (for tests and
// single-node deployments).
type InMemoryRepository struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{manifests: make(map[string]*Manifest)}
}

// Put stores or replaces a manifest.
func (r *InMemoryRepository) Put(m *Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.ModelID] = m
}

// FindByID returns the manifest when present and visible to the tenant.
func (r *InMemoryRepository) FindByID(ctx context.Context, modelID, tenantID string) (*Manifest, error) {
	r.mu.RLock()
	m, ok := r.manifests[modelID]
	r.mu.RUnlock()
	if !ok || !m.VisibleTo(tenantID) {
		return nil, fmt.Errorf("model %q: %w", modelID, ErrModelNotFound)
	}
	return m, nil
}
