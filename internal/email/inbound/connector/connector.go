package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind selects the transport behind a MailSource.
type Kind string

const (
	KindPOP3    Kind = "pop3"
	KindIMAP    Kind = "imap"
	KindLocal   Kind = "local"
	KindMaildir Kind = "maildir"
)

// DefaultLocalDir is the mail drop used when a local queue leaves the path empty.
const DefaultLocalDir = "/var/lib/mail/helpdesk/"

// ProxyConfig describes an optional SOCKS proxy placed under the socket factory.
type ProxyConfig struct {
	Type string // socks4, socks4a or socks5
	Host string
	Port int
}

// Enabled reports whether all proxy fields are set.
func (p ProxyConfig) Enabled() bool {
	return strings.TrimSpace(p.Type) != "" && strings.TrimSpace(p.Host) != "" && p.Port > 0
}

// Credentials carry a username/password pair.
type Credentials struct {
	Username string
	Password string
}

// MailboxConfig carries everything a source needs to open a queue's mailbox.
type MailboxConfig struct {
	Kind          Kind
	Host          string
	Port          int
	Username      string
	Password      string
	UseSSL        bool
	IMAPFolder    string
	LocalDir      string
	Proxy         ProxyConfig
	PollInterval  time.Duration
	LastCheckedAt time.Time
}

// WithFallback fills empty host and credential fields from the global defaults.
func (c MailboxConfig) WithFallback(global MailboxConfig) MailboxConfig {
	if c.Kind == "" {
		c.Kind = global.Kind
	}
	if c.Host == "" {
		c.Host = global.Host
	}
	if c.Username == "" {
		c.Username = global.Username
	}
	if c.Password == "" {
		c.Password = global.Password
	}
	if !c.UseSSL && global.UseSSL {
		c.UseSSL = true
	}
	return c
}

// Address returns host:port, applying the transport default port when unset.
func (c MailboxConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.EffectivePort())
}

// EffectivePort returns the configured port or the transport default for the SSL flag.
func (c MailboxConfig) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	switch normalizeKind(string(c.Kind)) {
	case KindPOP3:
		if c.UseSSL {
			return 995
		}
		return 110
	case KindIMAP:
		if c.UseSSL {
			return 993
		}
		return 143
	}
	return 0
}

// MessageHandle identifies a message for the later MarkConsumed call.
type MessageHandle struct {
	Kind Kind
	// Ref is the stable identifier used in logs: POP3 UIDL, IMAP UID, file name or maildir key.
	Ref  string
	Num  int    // POP3 message number
	UID  uint32 // IMAP UID
	Path string // local file path
}

func (h MessageHandle) String() string {
	if h.Ref != "" {
		return h.Ref
	}
	switch {
	case h.UID > 0:
		return strconv.FormatUint(uint64(h.UID), 10)
	case h.Num > 0:
		return strconv.Itoa(h.Num)
	default:
		return h.Path
	}
}

// RawMessage wraps the on-wire RFC822 payload plus its handle.
type RawMessage struct {
	Handle     MessageHandle
	Raw        []byte
	ReceivedAt time.Time
	SizeBytes  int64
}

// MailSource is the uniform interface over POP3, IMAP and local drops.
type MailSource interface {
	List(ctx context.Context) ([]MessageHandle, error)
	Fetch(ctx context.Context, handle MessageHandle) (*RawMessage, error)
	MarkConsumed(ctx context.Context, handle MessageHandle) error
	// Close ends the session; IMAP expunges consumed messages here.
	Close(ctx context.Context) error
}

// Opener builds a MailSource for one polling cycle.
type Opener interface {
	Name() string
	Open(ctx context.Context, cfg MailboxConfig) (MailSource, error)
}

// Factory resolves the correct source implementation for a mailbox.
type Factory interface {
	Open(ctx context.Context, cfg MailboxConfig) (MailSource, error)
}

var (
	// ErrUnknownKind is returned when no opener is registered for a mailbox kind.
	ErrUnknownKind = errors.New("connector: unknown mailbox kind")
	// ErrUnsupportedProxy is returned for proxy types other than socks4, socks4a and socks5.
	ErrUnsupportedProxy = errors.New("connector: unsupported proxy type")
)

// TransportError marks failures talking to the mail server or mail drop.
// They abort the current cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
