package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	backend, err := NewFilesystemBackend(base)
	require.NoError(t, err)

	created := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	ref, err := backend.Store(ctx, 42, &AttachmentContent{
		ContentType: "application/pdf",
		FileName:    "report.pdf",
		Content:     []byte("%PDF-1.4\n"),
		Metadata:    map[string]string{"source": "mail"},
		CreatedTime: created,
	})
	require.NoError(t, err)
	assert.Equal(t, "2024/03/09/42/report.pdf", ref.Location)
	assert.Equal(t, BackendFS, ref.Backend)
	assert.Equal(t, int64(9), ref.FileSize)
	assert.Len(t, ref.Checksum, 64)

	_, err = os.Stat(filepath.Join(base, "2024", "03", "09", "42", "report.pdf.meta"))
	require.NoError(t, err)

	exists, err := backend.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	content, err := backend.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4\n"), content.Content)
	assert.Equal(t, "mail", content.Metadata["source"])

	require.NoError(t, backend.Delete(ctx, ref))
	exists, err = backend.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = backend.Retrieve(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemBackendRejectsEscapes(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)

	_, err = backend.Retrieve(context.Background(), &Reference{Location: "../../etc/passwd"})
	require.Error(t, err)

	ref, err := backend.Store(context.Background(), 1, &AttachmentContent{
		FileName:    "../../evil.sh",
		Content:     []byte("x"),
		CreatedTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "2024/01/01/1/evil.sh", ref.Location)
}

func TestFilesystemBackendHealthCheck(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, backend.HealthCheck(context.Background()))
	assert.Equal(t, BackendFS, backend.GetInfo().Type)

	_, err = NewFilesystemBackend("  ")
	require.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
	puts    []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	f.puts = append(f.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: aws.String(f.types[aws.ToString(in.Key)]),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3BackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	backend := newS3Backend(client, S3Config{Bucket: "attachments", Prefix: "/helpdesk/"})

	ref, err := backend.Store(ctx, 7, &AttachmentContent{
		FileName:    "notes.txt",
		Content:     []byte("hello"),
		CreatedTime: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "2024/05/01/7/notes.txt", ref.Location)
	assert.Equal(t, []string{"helpdesk/2024/05/01/7/notes.txt"}, client.puts)
	assert.Equal(t, "application/octet-stream", ref.ContentType)

	exists, err := backend.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	content, err := backend.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content.Content)

	require.NoError(t, backend.Delete(ctx, ref))
	exists, err = backend.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = backend.Retrieve(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, backend.HealthCheck(ctx))
}

func TestMixedModeBackendReadsFallback(t *testing.T) {
	ctx := context.Background()
	primary := newS3Backend(newFakeS3(), S3Config{Bucket: "b"})
	fs, err := NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)

	ref, err := fs.Store(ctx, 3, &AttachmentContent{FileName: "old.txt", Content: []byte("legacy"), CreatedTime: time.Now()})
	require.NoError(t, err)

	mixed := NewMixedModeBackend(primary, fs)
	content, err := mixed.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy"), content.Content)

	exists, err := mixed.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = mixed.Retrieve(ctx, &Reference{Location: "2000/01/01/1/missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendDB, cfg.Backend)

	cfg = Config{Backend: "fs"}
	require.Error(t, cfg.Validate())

	cfg = Config{Backend: "fs", FSBasePath: t.TempDir()}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendFS, cfg.Backend)

	cfg = Config{Backend: "s3"}
	require.Error(t, cfg.Validate())

	cfg = Config{Backend: "ftp"}
	require.Error(t, cfg.Validate())
}

func TestNewBackends(t *testing.T) {
	backend, err := New(context.Background(), Config{Backend: "DB"})
	require.NoError(t, err)
	assert.Nil(t, backend)

	backend, err = New(context.Background(), Config{Backend: "FS", FSBasePath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FilesystemBackend{}, backend)

	assert.Equal(t, []string{BackendFS, BackendS3}, NewFactory().List())
}
