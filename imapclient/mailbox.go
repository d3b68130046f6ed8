package imapclient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/utf7"
	"golang.org/x/text/unicode/norm"
)

// Mailbox is a snapshot of mailbox metadata from SELECT, EXAMINE, STATUS or
// LIST. A new value is returned for each command, values are not updated in
// place.
type Mailbox struct {
	Name           string // Decoded, UTF-8.
	Delimiter      string
	Attributes     []string // From LIST, e.g. \Noselect, \HasChildren.
	Flags          []string
	PermanentFlags []string
	ReadOnly       bool

	Exists      uint32
	Recent      uint32
	Unseen      uint32 // For SELECT, the sequence number of the first unseen message. For STATUS, the number of unseen messages.
	UIDNext     uint32
	UIDValidity uint32
}

// EncodeMailbox returns name in modified UTF-7 for use on the wire. Name is
// normalized to NFC first.
func EncodeMailbox(name string) string {
	s, err := utf7.Encoding.NewEncoder().String(norm.NFC.String(name))
	if err != nil {
		return name
	}
	return s
}

// DecodeMailbox decodes a modified UTF-7 name from the wire. Invalid encodings
// are returned as is.
func DecodeMailbox(name string) string {
	s, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return s
}

// Select opens mailbox name for reading and writing. On success the session is
// in Selected state with the mailbox as current mailbox. On failure the state is
// unchanged.
func (s *Session) Select(name string) (Mailbox, error) {
	return s.selectMailbox("SELECT", name)
}

// Examine opens mailbox name read-only.
func (s *Session) Examine(name string) (Mailbox, error) {
	return s.selectMailbox("EXAMINE", name)
}

func (s *Session) selectMailbox(verb, name string) (Mailbox, error) {
	if err := s.permit(StateAuthenticated); err != nil {
		return Mailbox{}, err
	}
	resp, err := s.transact(newCmd("%s ", verb).astring(EncodeMailbox(name)))
	if err != nil {
		return Mailbox{}, err
	}
	mb := Mailbox{Name: name, ReadOnly: verb == "EXAMINE"}.updated(responseLines(resp.Body))
	switch {
	case strings.Contains(strings.ToUpper(resp.Text), "[READ-ONLY]"):
		mb.ReadOnly = true
	case strings.Contains(strings.ToUpper(resp.Text), "[READ-WRITE]"):
		mb.ReadOnly = false
	}
	s.mailbox = mb
	s.state = StateSelected
	return mb, nil
}

// updated returns a copy of mb with untagged data from a SELECT, NOOP or IDLE
// response applied.
func (mb Mailbox) updated(lines []string) Mailbox {
	for _, line := range lines {
		if n, ok := untaggedNumber(line, "EXISTS"); ok {
			mb.Exists = n
		} else if n, ok := untaggedNumber(line, "RECENT"); ok {
			mb.Recent = n
		} else if _, ok := untaggedNumber(line, "EXPUNGE"); ok {
			if mb.Exists > 0 {
				mb.Exists--
			}
		} else if hasPrefixFold(line, "* FLAGS ") {
			if l, ok := parenList(line, "FLAGS "); ok {
				mb.Flags = l
			}
		} else if hasPrefixFold(line, "* OK [") {
			code := strings.ToUpper(line)
			if l, ok := parenList(line, "[PERMANENTFLAGS "); ok {
				mb.PermanentFlags = l
			} else if n, ok := numberAfter(code, "[UNSEEN "); ok {
				mb.Unseen = n
			} else if n, ok := numberAfter(code, "[UIDNEXT "); ok {
				mb.UIDNext = n
			} else if n, ok := numberAfter(code, "[UIDVALIDITY "); ok {
				mb.UIDValidity = n
			}
		}
	}
	return mb
}

// CloseMailbox executes CLOSE, expunging messages marked \Deleted, and returns
// to Authenticated state.
func (s *Session) CloseMailbox() error {
	if err := s.simple(StateSelected, "CLOSE"); err != nil {
		return err
	}
	s.mailbox = Mailbox{}
	s.state = StateAuthenticated
	return nil
}

// Unselect closes the mailbox without expunging. If the server does not have
// the UNSELECT capability, an EXAMINE of a non-existent mailbox is used, which
// fails but leaves the session without a selected mailbox.
func (s *Session) Unselect() error {
	if err := s.permit(StateSelected); err != nil {
		return err
	}
	if s.hasCap(CapUnselect) {
		if _, err := s.transact(newCmd("UNSELECT")); err != nil {
			return err
		}
	} else {
		_, err := s.transact(newCmd("EXAMINE ").astring("opaquemail-unselect-nonexistent"))
		var e *Error
		if err != nil && !errors.As(err, &e) {
			return err
		}
	}
	s.mailbox = Mailbox{}
	s.state = StateAuthenticated
	return nil
}

// List returns the mailboxes matching pattern relative to reference, e.g. ""
// and "*" for all mailboxes.
func (s *Session) List(reference, pattern string) ([]Mailbox, error) {
	return s.list("LIST", reference, pattern)
}

// LSub returns the subscribed mailboxes matching pattern.
func (s *Session) LSub(reference, pattern string) ([]Mailbox, error) {
	return s.list("LSUB", reference, pattern)
}

func (s *Session) list(verb, reference, pattern string) ([]Mailbox, error) {
	if err := s.permit(StateAuthenticated); err != nil {
		return nil, err
	}
	cmd := newCmd("%s ", verb).str(EncodeMailbox(reference)).add(" ").str(EncodeMailbox(pattern))
	resp, err := s.transact(cmd)
	if err != nil {
		return nil, err
	}
	var l []Mailbox
	for _, line := range responseLines(resp.Body) {
		prefix := "* " + verb + " "
		if !hasPrefixFold(line, prefix) {
			continue
		}
		if mb, ok := parseListLine(line[len(prefix):]); ok {
			l = append(l, mb)
		}
	}
	return l, nil
}

// parseListLine parses `(\HasNoChildren) "/" "INBOX"`.
func parseListLine(s string) (Mailbox, bool) {
	if !strings.HasPrefix(s, "(") {
		return Mailbox{}, false
	}
	i := strings.Index(s, ")")
	if i < 0 {
		return Mailbox{}, false
	}
	mb := Mailbox{Attributes: strings.Fields(s[1:i])}
	var name string
	mb.Delimiter, s = parseAstring(s[i+1:])
	name, _ = parseAstring(s)
	mb.Name = DecodeMailbox(name)
	return mb, mb.Name != ""
}

// Status returns message counts for mailbox name without selecting it.
func (s *Session) Status(name string) (Mailbox, error) {
	if err := s.permit(StateAuthenticated); err != nil {
		return Mailbox{}, err
	}
	cmd := newCmd("STATUS ").astring(EncodeMailbox(name)).add(" (MESSAGES RECENT UIDNEXT UIDVALIDITY UNSEEN)")
	resp, err := s.transact(cmd)
	if err != nil {
		return Mailbox{}, err
	}
	mb := Mailbox{Name: name}
	for _, line := range responseLines(resp.Body) {
		if !hasPrefixFold(line, "* STATUS ") {
			continue
		}
		i := strings.LastIndex(line, "(")
		if i < 0 {
			continue
		}
		// With a leading space, markers only match at the start of an item.
		items := " " + strings.ToUpper(line[i+1:])
		mb.Exists, _ = numberAfter(items, " MESSAGES ")
		mb.Recent, _ = numberAfter(items, " RECENT ")
		mb.UIDNext, _ = numberAfter(items, " UIDNEXT ")
		mb.UIDValidity, _ = numberAfter(items, " UIDVALIDITY ")
		mb.Unseen, _ = numberAfter(items, " UNSEEN ")
	}
	return mb, nil
}

// Create creates a mailbox.
func (s *Session) Create(name string) error {
	return s.mailboxCommand("CREATE", name)
}

// Delete removes a mailbox.
func (s *Session) Delete(name string) error {
	return s.mailboxCommand("DELETE", name)
}

// Subscribe adds a mailbox to the subscriptions, as returned by LSub.
func (s *Session) Subscribe(name string) error {
	return s.mailboxCommand("SUBSCRIBE", name)
}

// Unsubscribe removes a mailbox from the subscriptions.
func (s *Session) Unsubscribe(name string) error {
	return s.mailboxCommand("UNSUBSCRIBE", name)
}

func (s *Session) mailboxCommand(verb, name string) error {
	if err := s.permit(StateAuthenticated); err != nil {
		return err
	}
	_, err := s.transact(newCmd("%s ", verb).astring(EncodeMailbox(name)))
	return err
}

// Rename renames mailbox from to to.
func (s *Session) Rename(from, to string) error {
	if err := s.permit(StateAuthenticated); err != nil {
		return err
	}
	_, err := s.transact(newCmd("RENAME ").astring(EncodeMailbox(from)).add(" ").astring(EncodeMailbox(to)))
	return err
}

// Namespace is a mailbox name prefix with its hierarchy delimiter.
type Namespace struct {
	Prefix    string
	Delimiter string
}

// Namespaces from the NAMESPACE command, RFC 2342.
type Namespaces struct {
	Personal []Namespace
	Other    []Namespace
	Shared   []Namespace
}

// Namespace returns the namespaces of the server.
func (s *Session) Namespace() (Namespaces, error) {
	if err := s.permit(StateAuthenticated); err != nil {
		return Namespaces{}, err
	}
	resp, err := s.transact(newCmd("NAMESPACE"))
	if err != nil {
		return Namespaces{}, err
	}
	var ns Namespaces
	for _, line := range responseLines(resp.Body) {
		if !hasPrefixFold(line, "* NAMESPACE ") {
			continue
		}
		rest := line[len("* NAMESPACE "):]
		ns.Personal, rest = parseNamespaces(rest)
		ns.Other, rest = parseNamespaces(rest)
		ns.Shared, _ = parseNamespaces(rest)
	}
	return ns, nil
}

// parseNamespaces parses NIL or (("prefix" "delim") ...), returning the
// remainder.
func parseNamespaces(s string) ([]Namespace, string) {
	s = strings.TrimLeft(s, " ")
	if hasPrefixFold(s, "NIL") {
		return nil, s[3:]
	}
	if !strings.HasPrefix(s, "(") {
		return nil, ""
	}
	s = s[1:]
	var l []Namespace
	for strings.HasPrefix(s, "(") {
		var ns Namespace
		ns.Prefix, s = parseAstring(s[1:])
		ns.Delimiter, s = parseAstring(s)
		// Skip namespace extensions until the closing paren of this namespace.
		depth := 1
		for depth > 0 && s != "" {
			switch s[0] {
			case '(':
				depth++
			case ')':
				depth--
			}
			s = s[1:]
		}
		ns.Prefix = DecodeMailbox(ns.Prefix)
		l = append(l, ns)
		s = strings.TrimLeft(s, " ")
	}
	return l, strings.TrimPrefix(s, ")")
}

// responseLines splits a response body into lines, keeping literals with the
// line that announced them. The returned lines do not end with CRLF.
func responseLines(body string) []string {
	var l []string
	for body != "" {
		var line strings.Builder
		for {
			i := strings.Index(body, "\r\n")
			if i < 0 {
				line.WriteString(body)
				body = ""
				break
			}
			part := body[:i]
			line.WriteString(part)
			body = body[i+2:]
			size, ok := literalSize(part)
			if !ok || size > len(body) {
				break
			}
			line.WriteString("\r\n")
			line.WriteString(body[:size])
			body = body[size:]
		}
		l = append(l, line.String())
	}
	return l
}

// literalSize returns the size of a literal announced at the end of line, as
// "{n}" or "{n+}".
func literalSize(line string) (int, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false
	}
	i := strings.LastIndex(line, "{")
	if i < 0 {
		return 0, false
	}
	v := strings.TrimSuffix(line[i+1:len(line)-1], "+")
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return 0, false
	}
	return int(n), true
}

func (mb Mailbox) String() string {
	return fmt.Sprintf("%s (%d messages, uidvalidity %d)", mb.Name, mb.Exists, mb.UIDValidity)
}
