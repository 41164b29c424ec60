package decoder

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// "On Tue, 2 Jan 2024 at 10:00, Jane <jane@x.com> wrote:" possibly wrapped over two lines.
	replyHeaderPattern   = regexp.MustCompile(`(?is)^\s*On\b.{0,300}?\bwrote:\s*$`)
	originalMsgPattern   = regexp.MustCompile(`(?i)^\s*-{2,}\s*Original Message\s*-{2,}\s*$`)
	outlookFromPattern   = regexp.MustCompile(`(?i)^\s*From:\s*.+$`)
	outlookSentPattern   = regexp.MustCompile(`(?i)^\s*(Sent|Date):\s*.+$`)
	underscoreSeparator  = regexp.MustCompile(`^\s*_{5,}\s*$`)
	signatureDelimiter   = "-- "
	collapseBlankPattern = regexp.MustCompile(`\n{3,}`)
)

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// StripQuotedReply keeps only the new text of a threaded reply: everything
// before the first reply header, forwarded original, or signature, with
// ">" quoted lines removed.
func StripQuotedReply(body string) string {
	lines := strings.Split(normalizeNewlines(body), "\n")
	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if isReplyBoundary(lines, i) {
			break
		}
		if line == signatureDelimiter {
			break
		}
		if strings.HasPrefix(strings.TrimLeft(line, " "), ">") {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")
	out = collapseBlankPattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func isReplyBoundary(lines []string, i int) bool {
	line := lines[i]
	if originalMsgPattern.MatchString(line) {
		return true
	}
	if underscoreSeparator.MatchString(line) {
		next := nextNonBlank(lines, i+1)
		return next >= 0 && isOutlookHeader(lines, next)
	}
	if strings.HasPrefix(strings.TrimSpace(line), "On ") && precededByBlank(lines, i) {
		if replyHeaderPattern.MatchString(line) {
			return quotedOrEnd(lines, i+1)
		}
		if i+1 < len(lines) && replyHeaderPattern.MatchString(line+" "+lines[i+1]) {
			return quotedOrEnd(lines, i+2)
		}
	}
	return (i == 0 || precededByBlank(lines, i)) && isOutlookHeader(lines, i)
}

// isOutlookHeader matches a "From:" line followed by "Sent:" or "Date:"
// within three lines.
func isOutlookHeader(lines []string, i int) bool {
	if !outlookFromPattern.MatchString(lines[i]) {
		return false
	}
	for j := i + 1; j < len(lines) && j <= i+3; j++ {
		if outlookSentPattern.MatchString(lines[j]) {
			return true
		}
	}
	return false
}

func precededByBlank(lines []string, i int) bool {
	return i > 0 && strings.TrimSpace(lines[i-1]) == ""
}

func nextNonBlank(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) != "" {
			return j
		}
	}
	return -1
}

// quotedOrEnd reports whether the text after a reply header is a ">" quoted
// block or nothing at all.
func quotedOrEnd(lines []string, from int) bool {
	next := nextNonBlank(lines, from)
	return next < 0 || strings.HasPrefix(strings.TrimLeft(lines[next], " "), ">")
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
}

// HTMLToText renders the text content of the document body. Script and style
// contents are skipped; block elements become line breaks.
func HTMLToText(markup []byte) string {
	doc, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return strings.TrimSpace(string(markup))
	}
	root := findElement(doc, atom.Body)
	if root == nil {
		root = doc
	}
	var b strings.Builder
	var render func(n *html.Node)
	render = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				return
			}
			if n.DataAtom == atom.Br {
				b.WriteString("\n")
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			render(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			b.WriteString("\n")
		}
	}
	render(root)

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	out := collapseBlankPattern.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
