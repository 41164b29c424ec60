package decoder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	htmlcharset "golang.org/x/net/html/charset"
)

// DecodeAttempt reports whether a transfer decoding succeeded. When OK is
// false, Data holds the original bytes.
type DecodeAttempt struct {
	OK   bool
	Data []byte
}

// DecodeBase64 decodes a base64 payload, tolerating line breaks and missing
// padding. A payload that is not base64 comes back untouched with OK=false.
func DecodeBase64(data []byte) DecodeAttempt {
	compact := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case '\r', '\n', ' ', '\t':
			continue
		}
		compact = append(compact, b)
	}
	if len(compact) == 0 {
		return DecodeAttempt{OK: true, Data: []byte{}}
	}
	trimmed := bytes.TrimRight(compact, "=")
	out := make([]byte, base64.RawStdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.RawStdEncoding.Decode(out, trimmed)
	if err != nil {
		return DecodeAttempt{OK: false, Data: data}
	}
	return DecodeAttempt{OK: true, Data: out[:n]}
}

type walker struct {
	d       *Decoder
	msg     *ParsedMessage
	counter int

	haveBody  bool
	firstHTML []byte
}

func (w *walker) walk(h gomessage.Header, body io.Reader, depth int) {
	mediaType, params := contentType(&h)
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" || depth >= maxPartDepth {
			w.d.logger.Warn("multipart without usable boundary treated as leaf", zap.String("content_type", mediaType))
		} else {
			w.walkMultipart(body, boundary, depth)
			return
		}
	}
	w.leaf(h, mediaType, params, body)
}

func (w *walker) walkMultipart(body io.Reader, boundary string, depth int) {
	mr := textproto.NewMultipartReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			w.d.logger.Warn("multipart walk stopped early", zap.Error(err))
			return
		}
		w.walk(gomessage.Header{Header: part.Header}, part, depth+1)
	}
}

func (w *walker) leaf(h gomessage.Header, mediaType string, params map[string]string, body io.Reader) {
	counter := w.counter
	w.counter++

	limit := w.d.maxAttachBytes
	if strings.HasPrefix(mediaType, "text/") && w.d.maxBodyBytes > limit {
		limit = w.d.maxBodyBytes
	}
	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		w.d.logger.Warn("part read failed, keeping partial data", zap.Error(err))
	}
	truncated := int64(len(raw)) > limit
	if truncated {
		raw = raw[:limit]
	}
	content := w.transferDecode(h.Get("Content-Transfer-Encoding"), raw)
	name := partFilename(&h, params)

	switch {
	case mediaType == "text/plain" && name == "" && !w.haveBody:
		text := toUTF8(content, params["charset"])
		if int64(len(text)) > w.d.maxBodyBytes {
			text = truncateUTF8(text, int(w.d.maxBodyBytes))
		}
		full := strings.TrimSpace(normalizeNewlines(text))
		body := StripQuotedReply(text)
		if body == "" {
			// Empty plain alternatives are common; keep looking, then fall back to HTML.
			if w.msg.FullBodyText == "" {
				w.msg.FullBodyText = full
			}
			return
		}
		w.haveBody = true
		w.msg.FullBodyText = full
		w.msg.BodyText = body
		return
	case mediaType == "text/html" && name == "":
		html := []byte(toUTF8(content, params["charset"]))
		if w.firstHTML == nil {
			w.firstHTML = html
		}
		w.addAttachment(Attachment{Filename: HTMLBodyFilename, MimeType: "text/html", Content: w.d.wrapHTML(html)}, truncated)
		return
	}

	if name == "" {
		name = fmt.Sprintf("part-%d%s", counter, guessExtension(mediaType, content))
	} else {
		name = SanitizeFilename(name)
	}
	w.addAttachment(Attachment{Filename: name, MimeType: mediaType, Content: content}, truncated)
}

func (w *walker) addAttachment(att Attachment, truncated bool) {
	if truncated && !strings.HasPrefix(att.MimeType, "text/") {
		w.d.logger.Warn("attachment over size limit dropped",
			zap.String("filename", att.Filename),
			zap.Int64("limit_bytes", w.d.maxAttachBytes))
		return
	}
	w.msg.Attachments = append(w.msg.Attachments, att)
}

// finish applies the HTML fallback when no plain text body was found.
func (w *walker) finish() {
	if w.haveBody || w.firstHTML == nil {
		return
	}
	text := HTMLToText(w.firstHTML)
	w.msg.BodyText = text
	w.msg.FullBodyText = text
	w.msg.IsHTMLFallback = true
}

func (w *walker) transferDecode(encoding string, raw []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		attempt := DecodeBase64(raw)
		if !attempt.OK {
			w.d.logger.Warn("base64 payload did not decode, storing raw bytes")
		}
		return attempt.Data
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			w.d.logger.Debug("quoted-printable decode incomplete", zap.Error(err))
			if len(decoded) == 0 {
				return raw
			}
		}
		return decoded
	default:
		return raw
	}
}

func (d *Decoder) wrapHTML(markup []byte) []byte {
	if d.htmlPolicy != nil {
		markup = d.htmlPolicy.SanitizeBytes(markup)
	}
	lower := bytes.ToLower(markup)
	if bytes.Contains(lower, []byte("<html")) {
		return markup
	}
	var buf bytes.Buffer
	buf.WriteString(`<html><head><meta charset="utf-8" /></head>`)
	if bytes.Contains(lower, []byte("<body")) {
		buf.Write(markup)
	} else {
		buf.WriteString("<body>")
		buf.Write(markup)
		buf.WriteString("</body>")
	}
	buf.WriteString("</html>")
	return buf.Bytes()
}

func contentType(h *gomessage.Header) (string, map[string]string) {
	mediaType, params, err := h.ContentType()
	if err != nil {
		mediaType = h.Get("Content-Type")
		if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
			mediaType = mediaType[:idx]
		}
		params = looseParams(h.Get("Content-Type"))
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if mediaType == "" || !strings.Contains(mediaType, "/") {
		mediaType = "text/plain"
	}
	if params == nil {
		params = map[string]string{}
	}
	return mediaType, params
}

var looseParamPattern = regexp.MustCompile(`(?i)(charset|boundary|name)\s*=\s*"?([^";]+)"?`)

// looseParams salvages the interesting parameters from a Content-Type the
// strict parser rejected.
func looseParams(value string) map[string]string {
	params := map[string]string{}
	for _, m := range looseParamPattern.FindAllStringSubmatch(value, -1) {
		params[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}
	return params
}

func partFilename(h *gomessage.Header, params map[string]string) string {
	if _, dparams, err := h.ContentDisposition(); err == nil {
		if name := strings.TrimSpace(dparams["filename"]); name != "" {
			return name
		}
	}
	return strings.TrimSpace(params["name"])
}

// toUTF8 converts data from charset to UTF-8, replacing anything that does not
// decode with U+FFFD.
func toUTF8(data []byte, charset string) string {
	label := strings.ToLower(strings.TrimSpace(charset))
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	r, err := htmlcharset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	return strings.ToValidUTF8(string(converted), "\uFFFD")
}

func truncateUTF8(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// guessExtension maps a MIME type to a filename extension, sniffing the
// content when the declared type is unknown.
func guessExtension(mediaType string, content []byte) string {
	if mediaType == "text/plain" {
		return ".txt"
	}
	if m := mimetype.Lookup(mediaType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if len(content) > 0 {
		if ext := mimetype.Detect(content).Extension(); ext != "" {
			return ext
		}
	}
	return ".bin"
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename keeps the base name and replaces characters unsafe on disk.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "attachment.bin"
	}
	return name
}
