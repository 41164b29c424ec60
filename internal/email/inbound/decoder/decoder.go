// Package decoder turns raw RFC 822 messages into the structured form the
// postmaster engine correlates against tickets.
package decoder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	htmlcharset "golang.org/x/net/html/charset"
)

const (
	// NoSubject replaces an empty or missing Subject header.
	NoSubject = "[no subject]"
	// HTMLBodyFilename names the attachment holding the original HTML body.
	HTMLBodyFilename = "email_html_body.html"

	defaultBodyLimit       = 1 << 20
	defaultAttachmentLimit = 25 << 20
	maxPartDepth           = 32
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Attachment is a decoded MIME leaf that did not become the body text.
type Attachment struct {
	Filename string
	MimeType string
	Content  []byte
}

// ParsedMessage is the immutable result of Decode.
type ParsedMessage struct {
	Subject       string
	SenderEmail   string
	SenderDisplay string
	// CCAddresses is a case-insensitive set; the first spelling seen wins.
	CCAddresses []string
	ToAddresses []string

	BodyText string
	// FullBodyText is the first plain text part before reply quotes were stripped.
	FullBodyText   string
	IsHTMLFallback bool
	Attachments    []Attachment
	PriorityHint   int

	MessageID   string
	InReplyTo   []string
	References  []string
	IsAutoReply bool
	Date        time.Time

	Raw []byte
}

// ReferenceIDs returns In-Reply-To followed by References, deduplicated.
func (m *ParsedMessage) ReferenceIDs() []string {
	if m == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, group := range [][]string{m.InReplyTo, m.References} {
		for _, id := range group {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// DecodeError marks a message that cannot be parsed as MIME at all.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
	}
	return "decode message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a hard decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decoder parses inbound mail. The zero value is not usable; call New.
type Decoder struct {
	logger         *zap.Logger
	maxBodyBytes   int64
	maxAttachBytes int64
	htmlPolicy     *bluemonday.Policy
	saveOriginal   bool
	now            func() time.Time
}

// Option customizes a Decoder.
type Option func(*Decoder)

// New builds a decoder with the provided options.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		logger:         zap.NewNop(),
		maxBodyBytes:   defaultBodyLimit,
		maxAttachBytes: defaultAttachmentLimit,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// WithLogger overrides the diagnostics logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLogger returns a copy of d that logs to logger, so callers can attach
// message context to decode warnings.
func (d *Decoder) WithLogger(logger *zap.Logger) *Decoder {
	if logger == nil {
		return d
	}
	c := *d
	c.logger = logger
	return &c
}

// WithBodyLimit caps the bytes read from a text part.
func WithBodyLimit(limit int64) Option {
	return func(d *Decoder) {
		if limit > 0 {
			d.maxBodyBytes = limit
		}
	}
}

// WithAttachmentLimit drops attachments larger than limit bytes.
func WithAttachmentLimit(limit int64) Option {
	return func(d *Decoder) {
		if limit > 0 {
			d.maxAttachBytes = limit
		}
	}
}

// WithHTMLSanitizer runs the stored HTML body through bluemonday's UGC policy.
func WithHTMLSanitizer(enabled bool) Option {
	return func(d *Decoder) {
		if enabled {
			d.htmlPolicy = bluemonday.UGCPolicy()
		} else {
			d.htmlPolicy = nil
		}
	}
}

// WithOriginalMessage attaches the raw message as original_message_<stamp>.eml.
func WithOriginalMessage(enabled bool) Option {
	return func(d *Decoder) { d.saveOriginal = enabled }
}

// WithClock overrides the clock used for the saved original's filename.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// Decode parses raw into a ParsedMessage. Only an empty payload or a missing
// header block is fatal; everything else degrades to best effort.
func (d *Decoder) Decode(raw []byte) (*ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &DecodeError{Reason: "empty message"}
	}

	headerBytes, body := splitHeader(raw)
	clean, dropped := sanitizeHeaderBlock(headerBytes)
	if dropped > 0 {
		d.logger.Warn("dropped malformed header lines", zap.Int("lines", dropped))
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(clean)))
	if err != nil && !errors.Is(err, io.EOF) && th.Len() == 0 {
		return nil, &DecodeError{Reason: "unreadable header", Err: err}
	}
	if th.Len() == 0 {
		return nil, &DecodeError{Reason: "no header fields"}
	}

	header := gomail.Header{Header: gomessage.Header{Header: th}}
	msg := &ParsedMessage{Raw: raw}
	d.decodeHeaders(&header, msg)

	w := &walker{d: d, msg: msg}
	w.walk(header.Header, bytes.NewReader(body), 0)
	w.finish()

	if d.saveOriginal {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename: fmt.Sprintf("original_message_%s.eml", d.now().Format("02-01-2006_15:04")),
			MimeType: "message/rfc822",
			Content:  append([]byte(nil), raw...),
		})
	}
	return msg, nil
}

// splitHeader separates the header block from the body at the first empty line.
func splitHeader(raw []byte) ([]byte, []byte) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf+4], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf+2], raw[lf+2:]
	default:
		return append(append([]byte(nil), raw...), '\n', '\n'), nil
	}
}

// sanitizeHeaderBlock drops lines that are neither "Key: value" fields nor
// folded continuations, so one broken header does not lose the rest.
func sanitizeHeaderBlock(block []byte) ([]byte, int) {
	lines := strings.Split(strings.ReplaceAll(string(block), "\r\n", "\n"), "\n")
	var out strings.Builder
	dropped := 0
	haveField := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if haveField {
				out.WriteString(line)
				out.WriteString("\r\n")
			} else {
				dropped++
			}
			continue
		}
		if validFieldLine(line) {
			haveField = true
			out.WriteString(line)
			out.WriteString("\r\n")
			continue
		}
		haveField = false
		dropped++
	}
	out.WriteString("\r\n")
	return []byte(out.String()), dropped
}

func validFieldLine(line string) bool {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return false
	}
	key := strings.TrimRight(line[:idx], " \t")
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}
