// Package storage keeps attachment payloads outside the ticket database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a reference points at missing content.
var ErrNotFound = errors.New("storage: content not found")

// Backend defines the interface for attachment storage backends.
type Backend interface {
	// Store saves attachment content and returns a storage reference.
	Store(ctx context.Context, followUpID int64, content *AttachmentContent) (*Reference, error)

	// Retrieve gets attachment content by reference.
	Retrieve(ctx context.Context, ref *Reference) (*AttachmentContent, error)

	// Delete removes attachment content.
	Delete(ctx context.Context, ref *Reference) error

	// Exists checks if attachment content exists.
	Exists(ctx context.Context, ref *Reference) (bool, error)

	// GetInfo returns backend information.
	GetInfo() *BackendInfo

	// HealthCheck verifies backend is operational.
	HealthCheck(ctx context.Context) error
}

// AttachmentContent represents the content to be stored.
type AttachmentContent struct {
	FollowUpID  int64
	ContentType string
	FileName    string
	FileSize    int64
	Content     []byte
	Metadata    map[string]string
	CreatedTime time.Time
}

// Reference points to stored content.
type Reference struct {
	FollowUpID  int64
	Backend     string
	Location    string
	ContentType string
	FileName    string
	FileSize    int64
	Checksum    string
	CreatedTime time.Time
}

// BackendInfo provides information about a storage backend.
type BackendInfo struct {
	Name         string
	Type         string
	Capabilities []string
	Status       string
}

// BackendConstructor creates a new backend instance.
type BackendConstructor func(ctx context.Context, cfg Config) (Backend, error)

// Factory creates storage backends based on configuration.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]BackendConstructor
}

// NewFactory creates a factory with the filesystem and S3 backends registered.
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[string]BackendConstructor)}
	f.Register(BackendFS, func(_ context.Context, cfg Config) (Backend, error) {
		return NewFilesystemBackend(cfg.FSBasePath)
	})
	f.Register(BackendS3, func(ctx context.Context, cfg Config) (Backend, error) {
		return NewS3Backend(ctx, cfg.S3)
	})
	return f
}

// Register adds a new backend type.
func (f *Factory) Register(backendType string, constructor BackendConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[strings.ToUpper(backendType)] = constructor
}

// Create instantiates a storage backend.
func (f *Factory) Create(ctx context.Context, cfg Config) (Backend, error) {
	f.mu.RLock()
	constructor, exists := f.constructors[strings.ToUpper(cfg.Backend)]
	f.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown storage backend type: %s", cfg.Backend)
	}
	return constructor(ctx, cfg)
}

// List returns available backend types.
func (f *Factory) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// MixedModeBackend writes to the primary and reads from any backend.
type MixedModeBackend struct {
	primary   Backend
	fallbacks []Backend
}

// NewMixedModeBackend creates a backend that checks multiple storage locations.
func NewMixedModeBackend(primary Backend, fallbacks ...Backend) *MixedModeBackend {
	return &MixedModeBackend{primary: primary, fallbacks: fallbacks}
}

// Store saves to the primary backend.
func (m *MixedModeBackend) Store(ctx context.Context, followUpID int64, content *AttachmentContent) (*Reference, error) {
	return m.primary.Store(ctx, followUpID, content)
}

// Retrieve tries primary first, then fallbacks.
func (m *MixedModeBackend) Retrieve(ctx context.Context, ref *Reference) (*AttachmentContent, error) {
	content, err := m.primary.Retrieve(ctx, ref)
	if err == nil {
		return content, nil
	}
	for _, backend := range m.fallbacks {
		if content, err = backend.Retrieve(ctx, ref); err == nil {
			return content, nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes from all backends.
func (m *MixedModeBackend) Delete(ctx context.Context, ref *Reference) error {
	var errs []error
	if err := m.primary.Delete(ctx, ref); err != nil {
		errs = append(errs, err)
	}
	for _, backend := range m.fallbacks {
		if err := backend.Delete(ctx, ref); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists checks all backends.
func (m *MixedModeBackend) Exists(ctx context.Context, ref *Reference) (bool, error) {
	if exists, err := m.primary.Exists(ctx, ref); err == nil && exists {
		return true, nil
	}
	for _, backend := range m.fallbacks {
		if exists, err := backend.Exists(ctx, ref); err == nil && exists {
			return true, nil
		}
	}
	return false, nil
}

// GetInfo returns mixed mode backend information.
func (m *MixedModeBackend) GetInfo() *BackendInfo {
	return &BackendInfo{
		Name:         "MixedMode",
		Type:         "mixed",
		Capabilities: []string{"read-multiple", "write-primary", "fallback-support"},
		Status:       "active",
	}
}

// HealthCheck only fails when the primary backend is unhealthy.
func (m *MixedModeBackend) HealthCheck(ctx context.Context) error {
	if err := m.primary.HealthCheck(ctx); err != nil {
		return fmt.Errorf("primary backend unhealthy: %w", err)
	}
	return nil
}

// objectKey lays attachments out as YYYY/MM/DD/<followup>/<file>.
func objectKey(followUpID int64, created time.Time, filename string) string {
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return fmt.Sprintf("%s/%d/%s", created.Format("2006/01/02"), followUpID, safeName(filename))
}

func safeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "attachment.bin"
	}
	return name
}
