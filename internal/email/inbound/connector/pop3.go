package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"
	"go.uber.org/zap"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(MailboxConfig, Dialer) (pop3Connection, error)

// POP3Opener opens POP3 and POP3S mailboxes.
type POP3Opener struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	newConn     pop3ConnFactory
}

// POP3Option customizes the POP3 opener.
type POP3Option func(*POP3Opener)

// NewPOP3Opener returns a POP3 opener.
func NewPOP3Opener(opts ...POP3Option) *POP3Opener {
	o := &POP3Opener{
		dialTimeout: 30 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	o.newConn = o.defaultConnFactory
	for _, opt := range opts {
		opt(o)
	}
	if o.newConn == nil {
		o.newConn = o.defaultConnFactory
	}
	return o
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *zap.Logger) POP3Option {
	return func(o *POP3Opener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(o *POP3Opener) {
		if timeout > 0 {
			o.dialTimeout = timeout
		}
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3Option {
	return func(o *POP3Opener) {
		if now != nil {
			o.now = now
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3Option {
	return func(o *POP3Opener) {
		o.newConn = factory
	}
}

// Name returns the connector identifier.
func (o *POP3Opener) Name() string { return "pop3" }

// Open connects and authenticates. The session stays open until Close.
func (o *POP3Opener) Open(ctx context.Context, cfg MailboxConfig) (MailSource, error) {
	if err := validateRemote(cfg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dialer, err := newDialer(cfg.Proxy, o.dialTimeout)
	if err != nil {
		return nil, err
	}
	conn, err := o.newConn(cfg, dialer)
	if err != nil {
		return nil, transportErr("pop3 connect", err)
	}
	if err := conn.Auth(cfg.Username, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, transportErr("pop3 auth", err)
	}
	return &pop3Source{
		conn:   conn,
		now:    o.now,
		logger: o.logger.With(zap.String("mailbox", cfg.Address())),
	}, nil
}

func (o *POP3Opener) defaultConnFactory(cfg MailboxConfig, dialer Dialer) (pop3Connection, error) {
	client := pop3.New(pop3.Opt{
		Host:        cfg.Host,
		Port:        cfg.EffectivePort(),
		DialTimeout: o.dialTimeout,
		Dialer:      dialer,
		TLSEnabled:  cfg.UseSSL,
	})
	return client.NewConn()
}

type pop3Source struct {
	conn   pop3Connection
	now    func() time.Time
	logger *zap.Logger
	closed bool
}

func (s *pop3Source) List(ctx context.Context) ([]MessageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.conn.Uidl(0)
	if err != nil {
		return nil, transportErr("pop3 uidl", err)
	}
	handles := make([]MessageHandle, 0, len(msgs))
	for _, meta := range msgs {
		ref := meta.UID
		if ref == "" {
			ref = strconv.Itoa(meta.ID)
		}
		handles = append(handles, MessageHandle{Kind: KindPOP3, Ref: ref, Num: meta.ID})
	}
	return handles, nil
}

func (s *pop3Source) Fetch(ctx context.Context, h MessageHandle) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := s.conn.RetrRaw(h.Num)
	if err != nil {
		return nil, transportErr(fmt.Sprintf("pop3 retr %d", h.Num), err)
	}
	raw := append([]byte(nil), payload.Bytes()...)
	return &RawMessage{
		Handle:     h,
		Raw:        raw,
		ReceivedAt: s.now(),
		SizeBytes:  int64(len(raw)),
	}, nil
}

func (s *pop3Source) MarkConsumed(ctx context.Context, h MessageHandle) error {
	if err := s.conn.Dele(h.Num); err != nil {
		return transportErr(fmt.Sprintf("pop3 dele %d", h.Num), err)
	}
	s.logger.Debug("pop3 message marked for deletion", zap.String("uidl", h.String()))
	return nil
}

// Close issues QUIT, which commits the pending deletions.
func (s *pop3Source) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Quit(); err != nil {
		return transportErr("pop3 quit", err)
	}
	return nil
}

func validateRemote(cfg MailboxConfig) error {
	if cfg.Host == "" {
		return errors.New("mailbox missing host")
	}
	if cfg.Username == "" {
		return errors.New("mailbox missing username")
	}
	if cfg.Password == "" {
		return errors.New("mailbox missing password")
	}
	return nil
}
