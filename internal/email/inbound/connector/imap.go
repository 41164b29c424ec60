package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Expunge() expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

type imapClientFactory func(MailboxConfig, Dialer) (imapClient, error)

// DefaultIMAPFolder is selected when the queue leaves the folder empty.
const DefaultIMAPFolder = "INBOX"

// IMAPOpener opens IMAP and IMAPS mailboxes.
type IMAPOpener struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	newClient   imapClientFactory
}

// IMAPOption customizes the IMAP opener.
type IMAPOption func(*IMAPOpener)

// NewIMAPOpener returns an IMAP opener.
func NewIMAPOpener(opts ...IMAPOption) *IMAPOpener {
	o := &IMAPOpener{
		dialTimeout: 30 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	o.newClient = o.defaultClientFactory
	for _, opt := range opts {
		opt(o)
	}
	if o.newClient == nil {
		o.newClient = o.defaultClientFactory
	}
	return o
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *zap.Logger) IMAPOption {
	return func(o *IMAPOpener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(o *IMAPOpener) {
		if timeout > 0 {
			o.dialTimeout = timeout
		}
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(o *IMAPOpener) {
		if now != nil {
			o.now = now
		}
	}
}

func withIMAPClientFactory(factory imapClientFactory) IMAPOption {
	return func(o *IMAPOpener) {
		o.newClient = factory
	}
}

// Name returns the connector identifier.
func (o *IMAPOpener) Name() string { return "imap" }

// Open logs in and selects the configured folder.
func (o *IMAPOpener) Open(ctx context.Context, cfg MailboxConfig) (MailSource, error) {
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
	client, err := o.newClient(cfg, dialer)
	if err != nil {
		return nil, transportErr("imap connect", err)
	}
	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, transportErr("imap auth", err)
	}
	folder := cfg.IMAPFolder
	if folder == "" {
		folder = DefaultIMAPFolder
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return nil, transportErr("imap select "+folder, err)
	}
	return &imapSource{
		client: client,
		folder: folder,
		now:    o.now,
		logger: o.logger.With(zap.String("mailbox", cfg.Address()), zap.String("folder", folder)),
	}, nil
}

func (o *IMAPOpener) defaultClientFactory(cfg MailboxConfig, dialer Dialer) (imapClient, error) {
	addr := cfg.Address()
	if cfg.Proxy.Enabled() {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		if cfg.UseSSL {
			conn = tls.Client(conn, &tls.Config{ServerName: cfg.Host})
		}
		return &imapClientWrapper{Client: imapclient.New(conn, nil)}, nil
	}

	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: o.dialTimeout}}
	var client *imapclient.Client
	var err error
	if cfg.UseSSL {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapSource struct {
	client   imapClient
	folder   string
	now      func() time.Time
	logger   *zap.Logger
	consumed int
	closed   bool
}

// List returns the UIDs of every message not already flagged \Deleted.
func (s *imapSource) List(ctx context.Context) ([]MessageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagDeleted}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, transportErr("imap search", err)
	}
	uids := data.AllUIDs()
	handles := make([]MessageHandle, 0, len(uids))
	for _, uid := range uids {
		handles = append(handles, MessageHandle{
			Kind: KindIMAP,
			Ref:  strconv.FormatUint(uint64(uid), 10),
			UID:  uint32(uid),
		})
	}
	return handles, nil
}

func (s *imapSource) Fetch(ctx context.Context, h MessageHandle) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}
	buffers, err := s.client.Fetch(imap.UIDSetNum(imap.UID(h.UID)), opts).Collect()
	if err != nil {
		return nil, transportErr(fmt.Sprintf("imap fetch %d", h.UID), err)
	}
	for _, buf := range buffers {
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = s.now()
		}
		return &RawMessage{
			Handle:     h,
			Raw:        append([]byte(nil), body...),
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
		}, nil
	}
	return nil, transportErr(fmt.Sprintf("imap fetch %d", h.UID), fmt.Errorf("no body returned"))
}

// MarkConsumed flags the message \Deleted; the expunge happens on Close.
func (s *imapSource) MarkConsumed(ctx context.Context, h MessageHandle) error {
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := s.client.Store(imap.UIDSetNum(imap.UID(h.UID)), store, nil).Close(); err != nil {
		return transportErr(fmt.Sprintf("imap store %d", h.UID), err)
	}
	s.consumed++
	return nil
}

func (s *imapSource) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer func() {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("imap close", zap.Error(err))
		}
	}()
	if s.consumed > 0 {
		if err := s.client.Expunge().Close(); err != nil {
			return transportErr("imap expunge", err)
		}
	}
	if err := s.client.Logout().Wait(); err != nil {
		return transportErr("imap logout", err)
	}
	return nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) Expunge() expungeWaiter { return w.Client.Expunge() }
