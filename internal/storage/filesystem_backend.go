package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilesystemBackend stores attachments below a base directory with a JSON
// metadata sidecar per file.
type FilesystemBackend struct {
	basePath string
}

// NewFilesystemBackend creates a new filesystem storage backend.
func NewFilesystemBackend(basePath string) (*FilesystemBackend, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("filesystem base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &FilesystemBackend{basePath: basePath}, nil
}

type fileMetadata struct {
	FollowUpID  int64             `json:"followup_id"`
	ContentType string            `json:"content_type"`
	FileSize    int64             `json:"file_size"`
	Checksum    string            `json:"checksum"`
	CreatedTime time.Time         `json:"created_time"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store saves attachment content to the filesystem.
func (f *FilesystemBackend) Store(ctx context.Context, followUpID int64, content *AttachmentContent) (*Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(content.Content)
	checksum := hex.EncodeToString(hash[:])

	key := objectKey(followUpID, content.CreatedTime, content.FileName)
	filePath := filepath.Join(f.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filePath, content.Content, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	meta := fileMetadata{
		FollowUpID:  followUpID,
		ContentType: content.ContentType,
		FileSize:    int64(len(content.Content)),
		Checksum:    checksum,
		CreatedTime: content.CreatedTime,
		Metadata:    content.Metadata,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(filePath)
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filePath+".meta", metaJSON, 0o640); err != nil {
		_ = os.Remove(filePath)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	return &Reference{
		FollowUpID:  followUpID,
		Backend:     BackendFS,
		Location:    key,
		ContentType: content.ContentType,
		FileName:    filepath.Base(filePath),
		FileSize:    meta.FileSize,
		Checksum:    checksum,
		CreatedTime: content.CreatedTime,
	}, nil
}

// Retrieve gets attachment content from the filesystem.
func (f *FilesystemBackend) Retrieve(_ context.Context, ref *Reference) (*AttachmentContent, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304 path confined to basePath
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	content := &AttachmentContent{
		FollowUpID:  ref.FollowUpID,
		ContentType: ref.ContentType,
		FileName:    ref.FileName,
		FileSize:    int64(len(data)),
		Content:     data,
		Metadata:    map[string]string{},
		CreatedTime: ref.CreatedTime,
	}
	if raw, err := os.ReadFile(path + ".meta"); err == nil { //nolint:gosec // same as above
		var meta fileMetadata
		if json.Unmarshal(raw, &meta) == nil {
			for k, v := range meta.Metadata {
				content.Metadata[k] = v
			}
			if content.ContentType == "" {
				content.ContentType = meta.ContentType
			}
		}
	}
	return content, nil
}

// Delete removes attachment content and its metadata sidecar.
func (f *FilesystemBackend) Delete(_ context.Context, ref *Reference) error {
	path, err := f.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	_ = os.Remove(path + ".meta")
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// Exists checks if attachment content exists on the filesystem.
func (f *FilesystemBackend) Exists(_ context.Context, ref *Reference) (bool, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetInfo returns backend information.
func (f *FilesystemBackend) GetInfo() *BackendInfo {
	return &BackendInfo{
		Name:         "FilesystemBackend",
		Type:         BackendFS,
		Capabilities: []string{"store", "retrieve", "delete"},
		Status:       "active",
	}
}

// HealthCheck verifies the filesystem is writable.
func (f *FilesystemBackend) HealthCheck(context.Context) error {
	testFile := filepath.Join(f.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("filesystem not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("filesystem cleanup failed: %w", err)
	}
	return nil
}

// resolve maps a reference location back below basePath, rejecting escapes.
func (f *FilesystemBackend) resolve(ref *Reference) (string, error) {
	if ref == nil || ref.Location == "" {
		return "", ErrNotFound
	}
	path := filepath.Join(f.basePath, filepath.FromSlash(ref.Location))
	rel, err := filepath.Rel(f.basePath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("location %q escapes storage root", ref.Location)
	}
	return path, nil
}
