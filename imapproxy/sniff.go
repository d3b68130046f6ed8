package imapproxy

import (
	"bytes"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bertjohnson/OpaqueMail-sub001/message"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

// Lines of relayed text are buffered until their CRLF. Longer lines keep only
// their start and end, enough to recognize responses and literal markers.
const (
	maxLine  = 64 * 1024
	lineHead = 1024
	lineTail = 64
)

// Literals larger than this are counted but not captured for inspection.
const maxCapture = 64 * 1024 * 1024

var throttledMarker = []byte("[THROTTLED]\r\n")

// lineBuffer gathers data into complete lines across reads.
type lineBuffer struct {
	partial []byte
}

// next returns the next complete line from data including CRLF, prefixed with
// buffered data from earlier reads, and the data after it. If data has no CRLF,
// it is buffered and ok is false.
func (lb *lineBuffer) next(data []byte) (line, rest []byte, ok bool) {
	// The CR may be at the end of the buffered data.
	if n := len(lb.partial); n > 0 && lb.partial[n-1] == '\r' && len(data) > 0 && data[0] == '\n' {
		line = append(lb.partial, '\n')
		lb.partial = nil
		return line, data[1:], true
	}
	i := bytes.Index(data, []byte("\r\n"))
	if i < 0 {
		lb.partial = append(lb.partial, data...)
		if len(lb.partial) > maxLine {
			lb.partial = append(lb.partial[:lineHead], lb.partial[len(lb.partial)-lineTail:]...)
		}
		return nil, nil, false
	}
	if len(lb.partial) > 0 {
		line = append(lb.partial, data[:i+2]...)
		lb.partial = nil
	} else {
		line = data[:i+2]
	}
	return line, data[i+2:], true
}

// literalSize returns the size of a literal announced at the end of line, as
// "{123}\r\n" or the non-synchronizing "{123+}\r\n".
func literalSize(line []byte) (int64, bool) {
	s := strings.TrimSuffix(string(line), "\r\n")
	if !strings.HasSuffix(s, "}") {
		return 0, false
	}
	i := strings.LastIndexByte(s, '{')
	if i < 0 {
		return 0, false
	}
	digits := strings.TrimSuffix(s[i+1:len(s)-1], "+")
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// literal tracks the bytes of a literal still to come.
type literal struct {
	remaining int64
	capture   bool
	data      []byte
}

func newLiteral(size int64, capture bool) *literal {
	l := &literal{remaining: size, capture: capture && size <= maxCapture}
	if l.capture {
		l.data = make([]byte, 0, min(size, 64*1024))
	}
	return l
}

// consume takes literal bytes from data and returns the data after the literal.
// done is set when the literal is complete.
func (l *literal) consume(data []byte) (rest []byte, done bool) {
	n := int64(len(data))
	if n > l.remaining {
		n = l.remaining
	}
	if l.capture {
		l.data = append(l.data, data[:n]...)
	}
	l.remaining -= n
	return data[n:], l.remaining == 0
}

// signed returns whether a captured message looks like it has an S/MIME
// signature or is S/MIME, for handing to the importer.
func signed(msg []byte) bool {
	return bytes.Contains(msg, []byte(message.ContentTypeXSignature)) || bytes.Contains(msg, []byte(message.ContentTypeMIME))
}

// serverSniffer inspects data from the server. It is either between literals,
// gathering response lines, or inside a literal, counting down its bytes. Only
// literals in FETCH responses are captured.
type serverSniffer struct {
	log       mlog.Log
	throttled func()
	refused   func(tag string) // For tagged NO and BAD responses, if set.
	dispatch  func(msg []byte)

	lines   lineBuffer
	lit     *literal // Non-nil while inside a literal.
	inFetch bool     // Whether the current response is a FETCH, it continues after a literal.
}

func (ss *serverSniffer) sniff(data []byte) {
	for len(data) > 0 {
		if ss.lit != nil {
			var done bool
			data, done = ss.lit.consume(data)
			if done {
				if ss.lit.capture && signed(ss.lit.data) {
					ss.dispatch(ss.lit.data)
				}
				ss.lit = nil
			}
			continue
		}

		line, rest, ok := ss.lines.next(data)
		if !ok {
			return
		}
		data = rest
		if bytes.HasSuffix(line, throttledMarker) {
			ss.throttled()
		}
		if tag, ok := refusal(line); ok && !ss.inFetch && ss.refused != nil {
			ss.refused(tag)
		}
		if !ss.inFetch {
			ss.inFetch = bytes.HasPrefix(line, []byte("* ")) && bytes.Contains(line, []byte(" FETCH "))
		}
		size, isLit := literalSize(line)
		if !isLit {
			ss.inFetch = false
			continue
		}
		ss.lit = newLiteral(size, ss.inFetch)
		if size == 0 {
			ss.lit = nil
		}
	}
}

// clientSniffer inspects commands from the client, logging their verbs. An
// APPEND literal is counted down so message data is not taken for commands, and
// captured for inspection like fetched messages. Literals of other commands are
// skipped too.
//
// A synchronizing literal is only sent after a continuation from the server. If
// the server refuses the command instead, data counted as literal is inspected
// as commands again. Refusals are reported from the goroutine relaying server
// data, hence the lock.
type clientSniffer struct {
	log      mlog.Log
	dispatch func(msg []byte)

	sync.Mutex
	lines    lineBuffer
	lit      *literal
	litTag   string // Tag of the command the literal belongs to.
	holding  bool   // Literal is synchronizing and data counted in it is kept in held.
	held     []byte
	inAppend bool
	cont     bool     // Next line continues a command after a literal.
	tag      string   // Of the current command.
	lastVerb string   // Of the most recent command, for logging.
	refusals []string // Tags of refused commands not yet seen in client data.
}

func (cs *clientSniffer) sniff(data []byte) {
	cs.Lock()
	defer cs.Unlock()
	cs.process(data)
}

// must be called with lock held.
func (cs *clientSniffer) process(data []byte) {
	for len(data) > 0 {
		if cs.lit != nil {
			if cs.holding {
				n := min(int64(len(data)), cs.lit.remaining)
				if len(cs.held)+int(n) <= maxLine {
					cs.held = append(cs.held, data[:n]...)
				} else {
					// More than a client would send without continuation.
					cs.holding = false
					cs.held = nil
				}
			}
			var done bool
			data, done = cs.lit.consume(data)
			if done {
				if cs.lit.capture && signed(cs.lit.data) {
					cs.log.Debug("appended message has s/mime content")
					cs.dispatch(cs.lit.data)
				}
				cs.lit = nil
				cs.holding = false
				cs.held = nil
				cs.cont = true
			}
			continue
		}

		line, rest, ok := cs.lines.next(data)
		if !ok {
			return
		}
		data = rest
		if !cs.cont {
			cs.tag = commandTag(line)
			verb := commandVerb(line)
			cs.inAppend = verb == "APPEND"
			if verb != "" {
				cs.lastVerb = verb
				cs.log.Debug("client command", slog.String("verb", verb))
			}
		}
		cs.cont = false
		size, ok := literalSize(line)
		if !ok || size == 0 {
			continue
		}
		syncLit := synchronizing(line)
		if syncLit && cs.takeRefusal(cs.tag) {
			cs.log.Debug("command refused before literal", slog.String("tag", cs.tag))
			continue
		}
		cs.lit = newLiteral(size, cs.inAppend)
		cs.litTag = cs.tag
		cs.holding = syncLit
	}
}

// refused is called for a tagged NO or BAD from the server.
func (cs *clientSniffer) refused(tag string) {
	cs.Lock()
	defer cs.Unlock()

	if cs.lit != nil && cs.holding && cs.litTag == tag {
		held := cs.held
		cs.lit = nil
		cs.holding = false
		cs.held = nil
		cs.inAppend = false
		cs.log.Debug("command refused before literal", slog.String("tag", tag))
		cs.process(held)
		return
	}
	// The refusal can be inspected before the command itself.
	cs.refusals = append(cs.refusals, tag)
	if len(cs.refusals) > 8 {
		cs.refusals = cs.refusals[1:]
	}
}

// must be called with lock held.
func (cs *clientSniffer) takeRefusal(tag string) bool {
	for i, t := range cs.refusals {
		if t == tag {
			cs.refusals = append(cs.refusals[:i], cs.refusals[i+1:]...)
			return true
		}
	}
	return false
}

// synchronizing returns whether the literal announced at the end of line waits
// for a continuation, i.e. is not "{123+}".
func synchronizing(line []byte) bool {
	return !bytes.HasSuffix(bytes.TrimSuffix(line, []byte("\r\n")), []byte("+}"))
}

// refusal returns the tag of a tagged NO or BAD response line.
func refusal(line []byte) (string, bool) {
	t := bytes.Fields(line)
	if len(t) < 2 || bytes.Equal(t[0], []byte("*")) || bytes.Equal(t[0], []byte("+")) {
		return "", false
	}
	if !bytes.EqualFold(t[1], []byte("NO")) && !bytes.EqualFold(t[1], []byte("BAD")) {
		return "", false
	}
	return string(t[0]), true
}

// commandTag returns the first word of a command line.
func commandTag(line []byte) string {
	t := bytes.Fields(line)
	if len(t) == 0 {
		return ""
	}
	return string(t[0])
}

// commandVerb returns the upper case command verb of a command line, with
// "UID" commands as two words, e.g. "UID FETCH". Lines without tag and verb,
// like SASL responses or DONE, give an empty string.
func commandVerb(line []byte) string {
	t := strings.Fields(string(line))
	if len(t) < 2 {
		return ""
	}
	verb := strings.ToUpper(t[1])
	if verb == "UID" && len(t) > 2 {
		verb += " " + strings.ToUpper(t[2])
	}
	// Strip literal marker in case of "tag LOGIN{3}".
	if i := strings.IndexByte(verb, '{'); i >= 0 {
		verb = verb[:i]
	}
	return verb
}
