package decoder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestDecodePlainMessage(t *testing.T) {
	msg, err := New().Decode([]byte("Subject: My visit\n\nHello there"))
	require.NoError(t, err)
	assert.Equal(t, "My visit", msg.Subject)
	assert.Equal(t, "Hello there", msg.BodyText)
	assert.Equal(t, 3, msg.PriorityHint)
	assert.Empty(t, msg.Attachments)
	assert.False(t, msg.IsHTMLFallback)
	assert.Empty(t, msg.SenderEmail)
}

func TestDecodeSubjectPrefixesAndDefault(t *testing.T) {
	cases := map[string]string{
		"Re: [QQ-1] My visit":              "[QQ-1] My visit",
		"RE: FW: Re: Fw: status":           "status",
		"Automatic reply: Out of office":   "Out of office",
		"   ":                              NoSubject,
		"Question about Re: prefixes":      "Question about Re: prefixes",
		"=?UTF-8?B?w4ljaGFudGlsbG9u?=":     "Échantillon",
		"Re: =?UTF-8?B?w4ljaGFudGlsbG9u?=": "Échantillon",
	}
	for subject, want := range cases {
		msg, err := New().Decode([]byte("From: a@x.com\nSubject: " + subject + "\n\nbody"))
		require.NoError(t, err, subject)
		assert.Equal(t, want, msg.Subject, subject)
	}

	msg, err := New().Decode([]byte("From: a@x.com\n\nbody"))
	require.NoError(t, err)
	assert.Equal(t, NoSubject, msg.Subject)
}

func TestDecodeSenderAndCC(t *testing.T) {
	raw := crlf(
		"From: Jane Doe <Jane@Example.com>",
		"To: Support <support@helpdesk.test>, carl@x.com",
		"Cc: a@x.com, B@y.com",
		`CC: b@Y.com, "Doe, J" <j@z.com>`,
		"Cc: =?UTF-8?Q?J=C3=B6rg?= <jorg@x.com>",
		"Subject: hi",
		"",
		"body",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "Jane@Example.com", msg.SenderEmail)
	assert.Equal(t, "Jane Doe", msg.SenderDisplay)
	assert.Equal(t, []string{"a@x.com", "B@y.com", "j@z.com", "jorg@x.com"}, msg.CCAddresses)
	assert.Equal(t, []string{"support@helpdesk.test", "carl@x.com"}, msg.ToAddresses)
}

func TestParseAddress(t *testing.T) {
	email, display, ok := ParseAddress("=?UTF-8?Q?J=C3=B6rg?= <jorg@x.com>")
	require.True(t, ok)
	assert.Equal(t, "jorg@x.com", email)
	assert.Equal(t, "Jörg", display)

	email, _, ok = ParseAddress("plain@x.com")
	require.True(t, ok)
	assert.Equal(t, "plain@x.com", email)

	email, _, ok = ParseAddress("Broken Name (no address)")
	assert.False(t, ok)
	assert.Empty(t, email)

	_, _, ok = ParseAddress("")
	assert.False(t, ok)
}

func TestDecodeHTMLOnlyFallsBackToRenderedText(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		"Subject: html",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><head><title>Ignored</title><style>p{color:red}</style></head>",
		"<body><p>Hello <b>world</b></p></body></html>",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.True(t, msg.IsHTMLFallback)
	assert.Equal(t, "Hello world", msg.BodyText)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, HTMLBodyFilename, msg.Attachments[0].Filename)
	assert.Equal(t, "text/html", msg.Attachments[0].MimeType)
	assert.Contains(t, string(msg.Attachments[0].Content), "<b>world</b>")
}

func TestDecodeHTMLFragmentIsWrapped(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		"Content-Type: text/html",
		"",
		"<p>Hi</p>",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, `<html><head><meta charset="utf-8" /></head><body><p>Hi</p></body></html>`, string(msg.Attachments[0].Content))
	assert.Equal(t, "Hi", msg.BodyText)
}

func TestDecodeAlternativePrefersPlainText(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		"Subject: alt",
		`Content-Type: multipart/alternative; boundary="ALT"`,
		"",
		"--ALT",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Plain body",
		"--ALT",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>HTML body</p>",
		"--ALT--",
		"",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "Plain body", msg.BodyText)
	assert.False(t, msg.IsHTMLFallback)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, HTMLBodyFilename, msg.Attachments[0].Filename)
}

func TestDecodeEmptyPlainAlternativeFallsBackToHTML(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		"Subject: alt",
		`Content-Type: multipart/alternative; boundary="ALT"`,
		"",
		"--ALT",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"",
		"--ALT",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Printer is on fire</p>",
		"--ALT--",
		"",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "Printer is on fire", msg.BodyText)
	assert.Equal(t, "Printer is on fire", msg.FullBodyText)
	assert.True(t, msg.IsHTMLFallback)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, HTMLBodyFilename, msg.Attachments[0].Filename)
}

func TestDecodeSecondPlainPartUsedWhenFirstIsEmpty(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		`Content-Type: multipart/mixed; boundary="MIX"`,
		"",
		"--MIX",
		"Content-Type: text/plain",
		"",
		"  ",
		"--MIX",
		"Content-Type: text/plain",
		"",
		"Real question",
		"--MIX--",
		"",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "Real question", msg.BodyText)
	assert.False(t, msg.IsHTMLFallback)
	assert.Empty(t, msg.Attachments)
}

func TestDecodeMixedAttachments(t *testing.T) {
	raw := crlf(
		"From: Alice <alice@example.com>",
		"Subject: files",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XX"`,
		"",
		"--XX",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See attached.",
		"--XX",
		`Content-Type: application/pdf; name="report 2024.pdf"`,
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQK",
		"--XX",
		"Content-Type: image/png",
		"Content-Transfer-Encoding: base64",
		"",
		"!!!not-base64!!!",
		"--XX",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"second plain part",
		"--XX",
		"Content-Type: text/plain",
		`Content-Disposition: attachment; filename="notes.txt"`,
		"",
		"named text",
		"--XX--",
		"",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "See attached.", msg.BodyText)
	require.Len(t, msg.Attachments, 4)

	assert.Equal(t, "report_2024.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MimeType)
	assert.Equal(t, []byte("%PDF-1.4\n"), msg.Attachments[0].Content)

	assert.Equal(t, "part-2.png", msg.Attachments[1].Filename)
	assert.Equal(t, []byte("!!!not-base64!!!"), msg.Attachments[1].Content)

	assert.Equal(t, "part-3.txt", msg.Attachments[2].Filename)
	assert.Equal(t, "notes.txt", msg.Attachments[3].Filename)
	assert.Equal(t, []byte("named text"), msg.Attachments[3].Content)
}

func TestDecodeAttachmentLimitDropsOversizedParts(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		`Content-Type: multipart/mixed; boundary="B"`,
		"",
		"--B",
		"Content-Type: text/plain",
		"",
		"body",
		"--B",
		"Content-Type: application/octet-stream",
		"",
		strings.Repeat("x", 64),
		"--B--",
		"",
	)
	msg, err := New(WithAttachmentLimit(16)).Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "body", msg.BodyText)
	assert.Empty(t, msg.Attachments)
}

func TestDecodePriorityHint(t *testing.T) {
	cases := []struct {
		header string
		want   int
	}{
		{"Priority: urgent", 2},
		{"Importance: High", 2},
		{"Priority: 1", 2},
		{"X-Priority: 1 (Highest)", 2},
		{"Priority: normal", 3},
		{"X-Priority: 3", 3},
	}
	for _, tc := range cases {
		msg, err := New().Decode([]byte("From: a@x.com\n" + tc.header + "\nSubject: p\n\nbody"))
		require.NoError(t, err)
		assert.Equal(t, tc.want, msg.PriorityHint, tc.header)
	}
}

func TestDecodeStripsQuotedReply(t *testing.T) {
	body := "Thanks, that fixed it.\n\nOn Tue, 2 Jan 2024 at 10:00, Bob <bob@x.com> wrote:\n> Try restarting.\n> Bob"
	msg, err := New().Decode([]byte("From: a@x.com\nSubject: Re: [QQ-1] help\n\n" + body))
	require.NoError(t, err)
	assert.Equal(t, "Thanks, that fixed it.", msg.BodyText)
	assert.Contains(t, msg.FullBodyText, "Try restarting.")
}

func TestStripQuotedReply(t *testing.T) {
	cases := map[string]string{
		"New text\n\n-----Original Message-----\nFrom: x\nold":          "New text",
		"Answer\n\nFrom: Bob\nSent: Monday\nTo: me\nSubject: hi\n\nold": "Answer",
		"Inline\n> quoted\nmore":                                         "Inline\nmore",
		"Hello\n-- \nSignature":                                          "Hello",
		"On my way home I noticed\nthe printer is broken":                "On my way home I noticed\nthe printer is broken",
		"Reply\n\nOn Tue, Jan 2, 2024,\nBob <bob@x.com> wrote:\n> old":   "Reply",
		"On startup the console wrote:\nERROR 42 disk full\nPlease help": "On startup the console wrote:\nERROR 42 disk full\nPlease help",
		"Log below\n\nOn startup the console wrote:\nERROR 42 disk full": "Log below\n\nOn startup the console wrote:\nERROR 42 disk full",
		"Thanks\n\nOn Mon, Bob wrote:":                                  "Thanks",
		"My report\n______\nend of table\nmore text":                   "My report\n______\nend of table\nmore text",
		"Reply\n\n________________\nFrom: Bob\nSent: Monday\n\nold":     "Reply",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripQuotedReply(in), in)
	}
}

func TestDecodeCharsets(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		"Content-Type: text/plain; charset=iso-8859-1",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Caf=E9 au lait",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "Café au lait", msg.BodyText)

	raw = []byte("From: a@x.com\nContent-Type: text/plain; charset=x-made-up\n\nabc\xff")
	msg, err = New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc\uFFFD", msg.BodyText)
}

func TestDecodeErrors(t *testing.T) {
	_, err := New().Decode(nil)
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))

	_, err = New().Decode([]byte("just some text without any header"))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}

func TestDecodeSurvivesMalformedHeaderLine(t *testing.T) {
	msg, err := New().Decode([]byte("Subject: still fine\nthis line is junk\nFrom: a@x.com\n\nbody"))
	require.NoError(t, err)
	assert.Equal(t, "still fine", msg.Subject)
	assert.Equal(t, "a@x.com", msg.SenderEmail)
	assert.Equal(t, "body", msg.BodyText)
}

func TestDecoderWithLoggerCopies(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := New(WithBodyLimit(64))
	scoped := base.WithLogger(zap.New(core).With(zap.String("queue_slug", "QQ")))
	require.NotSame(t, base, scoped)
	assert.Same(t, base, base.WithLogger(nil))

	_, err := base.Decode([]byte("Subject: x\njunk\n\nbody"))
	require.NoError(t, err)
	assert.Zero(t, logs.Len(), "the original keeps its own logger")

	_, err = scoped.Decode([]byte("Subject: x\njunk\n\nbody"))
	require.NoError(t, err)
	entries := logs.FilterMessage("dropped malformed header lines").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "QQ", entries[0].ContextMap()["queue_slug"])
}

func TestDecodeThreadingAndAutoReply(t *testing.T) {
	raw := crlf(
		"From: a@x.com",
		"Subject: Out of office",
		"Message-ID: <abc@mail.x.com>",
		"In-Reply-To: <orig@helpdesk.test>",
		"References: <root@helpdesk.test> <orig@helpdesk.test>",
		"Auto-Submitted: auto-replied",
		"",
		"away",
	)
	msg, err := New().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc@mail.x.com", msg.MessageID)
	assert.Equal(t, []string{"orig@helpdesk.test"}, msg.InReplyTo)
	assert.Equal(t, []string{"orig@helpdesk.test", "root@helpdesk.test"}, msg.ReferenceIDs())
	assert.True(t, msg.IsAutoReply)

	msg, err = New().Decode([]byte("From: a@x.com\nAuto-Submitted: no\n\nhi"))
	require.NoError(t, err)
	assert.False(t, msg.IsAutoReply)

	msg, err = New().Decode([]byte("From: a@x.com\nList-Id: <dev.lists.x.com>\n\nhi"))
	require.NoError(t, err)
	assert.True(t, msg.IsAutoReply)
}

func TestDecodeSavesOriginalMessage(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	raw := []byte("From: a@x.com\nSubject: keep\n\nbody")
	msg, err := New(WithOriginalMessage(true), WithClock(func() time.Time { return now })).Decode(raw)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "original_message_09-03-2024_14:05.eml", msg.Attachments[0].Filename)
	assert.Equal(t, raw, msg.Attachments[0].Content)
}

func TestDecodeBase64(t *testing.T) {
	ok := DecodeBase64([]byte("aGVs\r\nbG8="))
	assert.True(t, ok.OK)
	assert.Equal(t, []byte("hello"), ok.Data)

	unpadded := DecodeBase64([]byte("aGVsbG8"))
	assert.True(t, unpadded.OK)
	assert.Equal(t, []byte("hello"), unpadded.Data)

	bad := DecodeBase64([]byte("not base64 at all!"))
	assert.False(t, bad.OK)
	assert.Equal(t, []byte("not base64 at all!"), bad.Data)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "report_2024.pdf", SanitizeFilename("report 2024.pdf"))
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "evil.exe", SanitizeFilename(`C:\temp\evil.exe`))
	assert.Equal(t, "attachment.bin", SanitizeFilename("..."))
}

func TestHTMLToText(t *testing.T) {
	got := HTMLToText([]byte("<div>Line one<br>Line two</div><script>alert(1)</script><p>Para</p>"))
	assert.Equal(t, "Line one\nLine two\nPara", got)
}
