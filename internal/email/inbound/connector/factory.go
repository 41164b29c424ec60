package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu      sync.RWMutex
	openers map[Kind]Opener
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{openers: make(map[Kind]Opener)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with the built-in sources.
func DefaultFactory(logger *zap.Logger) Factory {
	return NewFactory(
		WithOpener(NewPOP3Opener(WithPOP3Logger(logger)), "pop3", "pop3s"),
		WithOpener(NewIMAPOpener(WithIMAPLogger(logger)), "imap", "imaps"),
		WithOpener(NewLocalOpener(WithLocalLogger(logger)), "local"),
		WithOpener(NewMaildirOpener(WithMaildirLogger(logger)), "maildir"),
	)
}

// WithOpener registers an opener for the provided mailbox kinds.
func WithOpener(opener Opener, kinds ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || opener == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, k := range kinds {
			key := normalizeKind(k)
			if key == "" {
				continue
			}
			f.openers[key] = opener
		}
	}
}

func (f *simpleFactory) Open(ctx context.Context, cfg MailboxConfig) (MailSource, error) {
	key := normalizeKind(string(cfg.Kind))
	f.mu.RLock()
	opener, ok := f.openers[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	if sslAlias(string(cfg.Kind)) {
		cfg.UseSSL = true
	}
	cfg.Kind = key
	return opener.Open(ctx, cfg)
}

func sslAlias(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pop3s", "imaps":
		return true
	default:
		return false
	}
}

// normalizeKind folds the "s" suffixed aliases (pop3s, imaps) onto their base kind.
func normalizeKind(value string) Kind {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "pop3s":
		return KindPOP3
	case "imaps":
		return KindIMAP
	}
	return Kind(v)
}
