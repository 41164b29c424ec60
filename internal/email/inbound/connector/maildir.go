package connector

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/emersion/go-maildir"
	"go.uber.org/zap"
)

// MaildirOpener reads a Maildir++ folder through go-maildir.
type MaildirOpener struct {
	logger *zap.Logger
	now    func() time.Time
}

// MaildirOption customizes the maildir opener.
type MaildirOption func(*MaildirOpener)

// NewMaildirOpener returns a maildir opener.
func NewMaildirOpener(opts ...MaildirOption) *MaildirOpener {
	o := &MaildirOpener{
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMaildirLogger overrides the logger used for connector diagnostics.
func WithMaildirLogger(logger *zap.Logger) MaildirOption {
	return func(o *MaildirOpener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Name returns the connector identifier.
func (o *MaildirOpener) Name() string { return "maildir" }

// Open requires an initialised maildir (a cur/ subdirectory) at LocalDir.
func (o *MaildirOpener) Open(ctx context.Context, cfg MailboxConfig) (MailSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := cfg.LocalDir
	if path == "" {
		return nil, fmt.Errorf("maildir mailbox missing path")
	}
	if _, err := os.Stat(filepath.Join(path, "cur")); err != nil {
		return nil, transportErr("maildir open", err)
	}
	return &maildirSource{
		dir:    maildir.Dir(path),
		now:    o.now,
		logger: o.logger.With(zap.String("maildir", path)),
	}, nil
}

type maildirSource struct {
	dir    maildir.Dir
	now    func() time.Time
	logger *zap.Logger
}

// List moves new/ into cur/ and returns every message key.
func (s *maildirSource) List(ctx context.Context) ([]MessageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.dir.Unseen(); err != nil {
		return nil, transportErr("maildir unseen", err)
	}
	msgs, err := s.dir.Messages()
	if err != nil {
		return nil, transportErr("maildir list", err)
	}
	handles := make([]MessageHandle, 0, len(msgs))
	for _, msg := range msgs {
		handles = append(handles, MessageHandle{
			Kind: KindMaildir,
			Ref:  msg.Key(),
			Path: msg.Filename(),
		})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Ref < handles[j].Ref })
	return handles, nil
}

func (s *maildirSource) Fetch(ctx context.Context, h MessageHandle) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.dir.MessageByKey(h.Ref)
	if err != nil {
		return nil, transportErr("maildir lookup "+h.Ref, err)
	}
	rc, err := msg.Open()
	if err != nil {
		return nil, transportErr("maildir open "+h.Ref, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, transportErr("maildir read "+h.Ref, err)
	}
	received := s.now()
	if info, statErr := os.Stat(msg.Filename()); statErr == nil {
		received = info.ModTime().UTC()
	}
	return &RawMessage{Handle: h, Raw: raw, ReceivedAt: received, SizeBytes: int64(len(raw))}, nil
}

// MarkConsumed removes the message file. Failures are logged only.
func (s *maildirSource) MarkConsumed(ctx context.Context, h MessageHandle) error {
	msg, err := s.dir.MessageByKey(h.Ref)
	if err == nil {
		err = msg.Remove()
	}
	if err != nil && !os.IsNotExist(err) {
		s.logger.Error("could not remove maildir message", zap.String("key", h.Ref), zap.Error(err))
	}
	return nil
}

func (s *maildirSource) Close(context.Context) error { return nil }
