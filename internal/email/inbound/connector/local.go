package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// LocalOpener reads one-message-per-file drops from a directory.
type LocalOpener struct {
	logger *zap.Logger
	now    func() time.Time
}

// LocalOption customizes the local directory opener.
type LocalOption func(*LocalOpener)

// NewLocalOpener returns a local directory opener.
func NewLocalOpener(opts ...LocalOption) *LocalOpener {
	o := &LocalOpener{
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLocalLogger overrides the logger used for connector diagnostics.
func WithLocalLogger(logger *zap.Logger) LocalOption {
	return func(o *LocalOpener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLocalClock overrides the wall clock, primarily for tests.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(o *LocalOpener) {
		if now != nil {
			o.now = now
		}
	}
}

// Name returns the connector identifier.
func (o *LocalOpener) Name() string { return "local" }

// Open checks the directory exists; an empty LocalDir uses DefaultLocalDir.
func (o *LocalOpener) Open(ctx context.Context, cfg MailboxConfig) (MailSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := cfg.LocalDir
	if dir == "" {
		dir = DefaultLocalDir
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, transportErr("local open", err)
	}
	if !info.IsDir() {
		return nil, transportErr("local open", fmt.Errorf("%s is not a directory", dir))
	}
	return &localSource{
		dir:    dir,
		now:    o.now,
		logger: o.logger.With(zap.String("mail_dir", dir)),
	}, nil
}

type localSource struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

// List returns the regular files of the directory in name order.
func (s *localSource) List(ctx context.Context) ([]MessageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, transportErr("local list", err)
	}
	handles := make([]MessageHandle, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		handles = append(handles, MessageHandle{
			Kind: KindLocal,
			Ref:  entry.Name(),
			Path: filepath.Join(s.dir, entry.Name()),
		})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Ref < handles[j].Ref })
	return handles, nil
}

func (s *localSource) Fetch(ctx context.Context, h MessageHandle) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(h.Path)
	if err != nil {
		return nil, transportErr("local read "+h.Ref, err)
	}
	received := s.now()
	if info, statErr := os.Stat(h.Path); statErr == nil {
		received = info.ModTime().UTC()
	}
	return &RawMessage{Handle: h, Raw: raw, ReceivedAt: received, SizeBytes: int64(len(raw))}, nil
}

// MarkConsumed unlinks the file. A failure is logged and the cycle continues.
func (s *localSource) MarkConsumed(ctx context.Context, h MessageHandle) error {
	if err := os.Remove(h.Path); err != nil {
		s.logger.Error("could not delete local message", zap.String("file", h.Path), zap.Error(err))
		return nil
	}
	s.logger.Info("deleted local message", zap.String("file", h.Ref))
	return nil
}

func (s *localSource) Close(context.Context) error { return nil }
