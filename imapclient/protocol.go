package imapclient

import (
	"fmt"
	"strconv"
	"strings"
)

// Capability is a token from a CAPABILITY response. Always in upper case.
type Capability string

const (
	CapIMAP4rev1     Capability = "IMAP4REV1"
	CapStartTLS      Capability = "STARTTLS"
	CapLoginDisabled Capability = "LOGINDISABLED"
	CapAuthPlain     Capability = "AUTH=PLAIN"
	CapAuthCRAMMD5   Capability = "AUTH=CRAM-MD5"
	CapLiteralPlus   Capability = "LITERAL+"
	CapIdle          Capability = "IDLE"
	CapNamespace     Capability = "NAMESPACE"
	CapUnselect      Capability = "UNSELECT"
	CapUidplus       Capability = "UIDPLUS"
	CapMove          Capability = "MOVE"
	CapQuota         Capability = "QUOTA"
	CapCondstore     Capability = "CONDSTORE"
)

// Status is the tagged final result of a command.
type Status string

const (
	BAD Status = "BAD" // Syntax error.
	NO  Status = "NO"  // Command failed.
	OK  Status = "OK"  // Command succeeded.
)

// Response is the result of a command: the untagged data and continuation
// lines before the tagged completion line, and the text of the completion
// line.
type Response struct {
	Tag     string
	Command string // Without tag and CRLF. Empty for the greeting.
	Status  Status
	Body    string // Everything before the tagged line. For a single-line response, the text after the status.
	Text    string // Text after the status on the tagged line, including response code.

	continuation bool
}

// Lines returns the untagged response lines in Body, without CRLF. Literal
// data is not treated specially.
func (r Response) Lines() []string {
	if r.Body == "" {
		return nil
	}
	l := strings.Split(strings.TrimSuffix(r.Body, "\r\n"), "\r\n")
	return l
}

// Error is returned for NO and BAD responses. The session stays usable.
type Error struct {
	Status  Status
	Command string // Verb of the command, e.g. "SELECT".
	Text    string // Text after the status word.
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Command, e.Status, e.Text)
}

// atom-safe characters are sent as is, others are quoted. Strings that cannot
// be quoted are sent as literals by cmdBuf.
func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c <= ' ' || c >= 0x7f || c == '(' || c == ')' || c == '{' || c == '%' || c == '*' || c == '"' || c == '\\' || c == ']' {
			return true
		}
	}
	return false
}

func needsLiteral(s string) bool {
	for _, c := range s {
		if c == '\x00' || c == '\r' || c == '\n' || c >= 0x80 {
			return true
		}
	}
	return false
}

func quote(s string) string {
	r := `"`
	for _, c := range s {
		if c == '\\' || c == '"' {
			r += `\`
		}
		r += string(c)
	}
	return r + `"`
}

// cmdBuf builds a command that can contain synchronizing literals. Parts are
// separated by literals: parts[0] {n} lits[0] parts[1] ...
type cmdBuf struct {
	parts []string
	lits  []string
}

func newCmd(format string, args ...any) *cmdBuf {
	return &cmdBuf{parts: []string{fmt.Sprintf(format, args...)}}
}

// Verb returns the first word (or two for UID commands) of the command.
func (b *cmdBuf) verb() string {
	t := strings.SplitN(b.parts[0], " ", 3)
	if len(t) >= 2 && strings.EqualFold(t[0], "UID") {
		return strings.ToUpper(t[0] + " " + t[1])
	}
	return strings.ToUpper(t[0])
}

func (b *cmdBuf) add(format string, args ...any) *cmdBuf {
	b.parts[len(b.parts)-1] += fmt.Sprintf(format, args...)
	return b
}

// astring adds s as atom, quoted string or literal.
func (b *cmdBuf) astring(s string) *cmdBuf {
	if !needsQuote(s) {
		return b.add("%s", s)
	}
	return b.str(s)
}

// str adds s as quoted string or literal, never as atom.
func (b *cmdBuf) str(s string) *cmdBuf {
	if needsLiteral(s) {
		return b.literal(s)
	}
	return b.add("%s", quote(s))
}

func (b *cmdBuf) literal(s string) *cmdBuf {
	b.add("{%d}", len(s))
	b.lits = append(b.lits, s)
	b.parts = append(b.parts, "")
	return b
}

// String returns the command for logging, without literal data.
func (b *cmdBuf) String() string {
	return strings.Join(b.parts, " ")
}

// SeqSet formats ids as a comma-separated IMAP sequence set.
func SeqSet(ids ...uint32) string {
	l := make([]string, len(ids))
	for i, id := range ids {
		l[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(l, ",")
}

// between returns the text after the first occurrence of prefix in s, up to the
// next suffix.
func between(s, prefix, suffix string) (string, bool) {
	i := strings.Index(s, prefix)
	if i < 0 {
		return "", false
	}
	s = s[i+len(prefix):]
	j := strings.Index(s, suffix)
	if j < 0 {
		return "", false
	}
	return s[:j], true
}

// number parses the digits at the start of s.
func number(s string) (uint32, bool) {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(s[:n], 10, 32)
	return uint32(v), err == nil
}

// numberAfter returns the number following prefix in s.
func numberAfter(s, prefix string) (uint32, bool) {
	i := strings.Index(s, prefix)
	if i < 0 {
		return 0, false
	}
	return number(s[i+len(prefix):])
}

// untaggedNumber parses lines of the form "* <n> <word>", e.g. "* 3 EXISTS".
func untaggedNumber(line, word string) (uint32, bool) {
	if !strings.HasPrefix(line, "* ") {
		return 0, false
	}
	t := strings.Fields(line[2:])
	if len(t) < 2 || !strings.EqualFold(t[1], word) {
		return 0, false
	}
	v, err := strconv.ParseUint(t[0], 10, 32)
	return uint32(v), err == nil
}

// parseAstring parses an atom, quoted string or NIL at the start of s and
// returns it with the remainder of s.
func parseAstring(s string) (string, string) {
	s = strings.TrimLeft(s, " ")
	if strings.HasPrefix(s, `"`) {
		var r strings.Builder
		for i := 1; i < len(s); i++ {
			c := s[i]
			if c == '\\' && i+1 < len(s) {
				i++
				r.WriteByte(s[i])
			} else if c == '"' {
				return r.String(), s[i+1:]
			} else {
				r.WriteByte(c)
			}
		}
		return r.String(), ""
	}
	if strings.HasPrefix(s, "{") {
		// Literal, "{n}\r\n" followed by n bytes.
		if n, ok := number(s[1:]); ok {
			if i := strings.Index(s, "}\r\n"); i > 0 && i+3+int(n) <= len(s) {
				return s[i+3 : i+3+int(n)], s[i+3+int(n):]
			}
		}
	}
	i := strings.IndexAny(s, " )\r")
	if i < 0 {
		i = len(s)
	}
	w := s[:i]
	if strings.EqualFold(w, "NIL") {
		w = ""
	}
	return w, s[i:]
}

// parenList returns the space-separated words in the first parenthesized list
// after prefix.
func parenList(s, prefix string) ([]string, bool) {
	v, ok := between(s, prefix+"(", ")")
	if !ok {
		return nil, false
	}
	return strings.Fields(v), true
}
