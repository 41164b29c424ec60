package decoder

import (
	"io"
	"mime"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
)

// strippedSubjectPrefixes are removed from the front of the subject until none match.
var strippedSubjectPrefixes = []string{"Re: ", "Fw: ", "RE: ", "FW: ", "Automatic reply: "}

var highPriorityValues = map[string]struct{}{
	"high":      {},
	"important": {},
	"1":         {},
	"urgent":    {},
}

var wordDecoder = &mime.WordDecoder{CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
	return gomessage.CharsetReader(charset, input)
}}

var whitespacePattern = regexp.MustCompile(`\s+`)

func (d *Decoder) decodeHeaders(h *gomail.Header, msg *ParsedMessage) {
	msg.Subject = CleanSubject(d.headerText(h, "Subject"))

	if email, display, ok := ParseAddress(h.Get("From")); ok {
		msg.SenderEmail = email
		msg.SenderDisplay = display
	}

	msg.CCAddresses = collectAddresses(h.Values("Cc"))
	msg.ToAddresses = collectAddresses(h.Values("To"))
	msg.PriorityHint = PriorityHint(h.Get("Priority"), h.Get("Importance"), h.Get("X-Priority"))

	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	} else {
		msg.MessageID = normalizeMessageID(h.Get("Message-Id"))
	}
	msg.InReplyTo = msgIDList(h, "In-Reply-To")
	msg.References = msgIDList(h, "References")
	msg.IsAutoReply = IsAutoReply(h)
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
}

func (d *Decoder) headerText(h *gomail.Header, key string) string {
	value, err := h.Text(key)
	if err != nil {
		d.logger.Debug("header decode fell back to raw value")
		return h.Get(key)
	}
	return value
}

// CleanSubject strips reply and forward prefixes, trims, and substitutes NoSubject.
func CleanSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	for {
		trimmed := subject
		for _, prefix := range strippedSubjectPrefixes {
			trimmed = strings.TrimPrefix(trimmed, prefix)
		}
		trimmed = strings.TrimSpace(trimmed)
		if trimmed == subject {
			break
		}
		subject = trimmed
	}
	if subject == "" {
		return NoSubject
	}
	return subject
}

// ParseAddress returns the bare email and display name of the first address in
// value. ok is false when nothing usable could be parsed.
func ParseAddress(value string) (email, display string, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", false
	}
	if list, err := gomail.ParseAddressList(value); err == nil && len(list) > 0 {
		return cleanAddress(list[0].Address), list[0].Name, list[0].Address != ""
	}
	decoded := decodeWords(value)
	if addr, err := gomail.ParseAddress(decoded); err == nil {
		return cleanAddress(addr.Address), addr.Name, addr.Address != ""
	}
	// Last resort for "Name <user@host>" forms the strict parser rejects.
	if lt := strings.LastIndexByte(decoded, '<'); lt >= 0 {
		if gt := strings.IndexByte(decoded[lt:], '>'); gt > 0 {
			candidate := cleanAddress(decoded[lt+1 : lt+gt])
			if strings.Contains(candidate, "@") {
				return candidate, strings.Trim(strings.TrimSpace(decoded[:lt]), `"`), true
			}
		}
	}
	if candidate := cleanAddress(decoded); strings.Count(candidate, "@") == 1 && !strings.ContainsAny(candidate, "<>\" ") {
		return candidate, "", true
	}
	return "", "", false
}

// collectAddresses flattens every instance of an address header, splitting each
// on commas, into a case-insensitive set that keeps the first spelling.
func collectAddresses(values []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = cleanAddress(addr)
		if addr == "" {
			return
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if list, err := gomail.ParseAddressList(value); err == nil {
			for _, a := range list {
				add(a.Address)
			}
			continue
		}
		for _, entry := range splitAddressList(value) {
			if email, _, ok := ParseAddress(entry); ok {
				add(email)
			}
		}
	}
	return out
}

// splitAddressList splits on commas outside quoted strings and angle brackets.
func splitAddressList(value string) []string {
	var parts []string
	var cur strings.Builder
	inQuote, inAngle := false, false
	for _, r := range value {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == '<' && !inQuote:
			inAngle = true
		case r == '>' && !inQuote:
			inAngle = false
		case r == ',' && !inQuote && !inAngle:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	parts = append(parts, cur.String())
	return parts
}

func cleanAddress(addr string) string {
	return whitespacePattern.ReplaceAllString(addr, "")
}

func decodeWords(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// PriorityHint returns 2 when any header value marks the message as high
// priority, otherwise 3. "X-Priority: 1 (Highest)" is read by its leading token.
func PriorityHint(values ...string) int {
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := highPriorityValues[v]; ok {
			return 2
		}
		if fields := strings.Fields(v); len(fields) > 0 {
			if _, ok := highPriorityValues[fields[0]]; ok {
				return 2
			}
		}
	}
	return 3
}

// IsAutoReply flags vacation responders, bounces and list traffic.
func IsAutoReply(h *gomail.Header) bool {
	if v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	for _, token := range strings.Split(h.Get("X-Auto-Response-Suppress"), ",") {
		switch strings.ToLower(strings.TrimSpace(token)) {
		case "dr", "autoreply", "all":
			return true
		}
	}
	if h.Has("List-Id") || h.Has("List-Unsubscribe") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "bulk", "list", "junk":
		return true
	}
	return false
}

func msgIDList(h *gomail.Header, key string) []string {
	if ids, err := h.MsgIDList(key); err == nil {
		return ids
	}
	var ids []string
	for _, field := range strings.Fields(h.Get(key)) {
		if id := normalizeMessageID(field); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}
