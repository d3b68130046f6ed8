package imapclient

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slices"

	"github.com/bertjohnson/OpaqueMail-sub001/sasl"
)

type fakeMsg struct {
	uid     uint32
	flags   []string
	data    string
	missing bool // FETCH returns no data, as if expunged by another session.
}

// fakeServer is a minimal IMAP server keeping mailboxes in memory, for testing
// a Session over net.Pipe.
type fakeServer struct {
	t *testing.T

	sync.Mutex
	caps      string
	loginCaps string // If set, sent as response code for LOGIN.
	mailboxes map[string][]*fakeMsg
	uidnext   map[string]uint32
	selected  string
	commands  []string // Verbs, UID commands as two words.
	tags      []string
	idleData  string // Sent after the IDLE continuation.
	splitNO   bool   // Write NO results in two writes, breaking in the status word.

	namespace  string                     // NAMESPACE response data.
	quotas     map[string][]QuotaResource // By quota root.
	quotaRoots map[string][]string        // By mailbox.
	subscribed map[string]bool

	serverTLS *tls.Config // If set, STARTTLS is accepted.
	clientTLS *tls.Config // For the session.
}

func newFakeServer(t *testing.T, caps string) *fakeServer {
	return &fakeServer{
		t:          t,
		caps:       caps,
		mailboxes:  map[string][]*fakeMsg{"INBOX": nil},
		uidnext:    map[string]uint32{"INBOX": 1},
		namespace:  `(("" "/")) NIL NIL`,
		quotas:     map[string][]QuotaResource{},
		quotaRoots: map[string][]string{},
		subscribed: map[string]bool{},
	}
}

func (fs *fakeServer) add(mailbox string, data string) *fakeMsg {
	fs.Lock()
	defer fs.Unlock()
	if _, ok := fs.uidnext[mailbox]; !ok {
		fs.uidnext[mailbox] = 1
	}
	m := &fakeMsg{uid: fs.uidnext[mailbox], data: data}
	fs.uidnext[mailbox]++
	fs.mailboxes[mailbox] = append(fs.mailboxes[mailbox], m)
	return m
}

func (fs *fakeServer) uids(mailbox string) []uint32 {
	fs.Lock()
	defer fs.Unlock()
	var l []uint32
	for _, m := range fs.mailboxes[mailbox] {
		l = append(l, m.uid)
	}
	return l
}

func (fs *fakeServer) count(verb string) int {
	fs.Lock()
	defer fs.Unlock()
	n := 0
	for _, c := range fs.commands {
		if c == verb {
			n++
		}
	}
	return n
}

// session returns a session attached to the fake server over net.Pipe.
func (fs *fakeServer) session() *Session {
	fs.t.Helper()
	client, server := net.Pipe()
	go fs.serve(server)
	s := New("localhost", 143, false, Opts{Timeout: 5 * time.Second, TLSConfig: fs.clientTLS})
	err := s.Attach(client)
	tcheck(fs.t, err, "attach")
	fs.t.Cleanup(func() { s.Close() })
	return s
}

func (fs *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	w := func(format string, args ...any) {
		_, err := fmt.Fprintf(conn, format, args...)
		if err != nil {
			panic(err)
		}
	}
	defer func() {
		x := recover()
		if x != nil && x != io.EOF && !isClosedPipe(x) {
			fs.t.Errorf("fake server: %v", x)
		}
	}()
	readline := func() string {
		line, err := br.ReadString('\n')
		if err != nil {
			panic(err)
		}
		return strings.TrimSuffix(line, "\r\n")
	}

	w("* OK fake imap ready\r\n")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\r\n")
		tag, rest, _ := strings.Cut(line, " ")
		t := strings.SplitN(rest, " ", 2)
		verb := strings.ToUpper(t[0])
		var args string
		if len(t) > 1 {
			args = t[1]
		}
		if verb == "UID" {
			t = strings.SplitN(args, " ", 2)
			verb += " " + strings.ToUpper(t[0])
			args = ""
			if len(t) > 1 {
				args = t[1]
			}
		}

		fs.Lock()
		fs.commands = append(fs.commands, verb)
		fs.tags = append(fs.tags, tag)
		fs.Unlock()

		if verb == "STARTTLS" && fs.serverTLS != nil {
			w("%s OK begin tls\r\n", tag)
			conn = tls.Server(conn, fs.serverTLS)
			br = bufio.NewReader(conn)
			continue
		}

		resp := fs.handle(tag, verb, args, w, readline, br)
		if resp != "" {
			if fs.splitNO && strings.HasPrefix(resp, tag+" NO") {
				w("%s N", tag)
				resp = resp[len(tag)+2:]
			}
			w("%s", resp)
		}
	}
}

func isClosedPipe(x any) bool {
	err, ok := x.(error)
	return ok && (err == io.ErrClosedPipe || strings.Contains(err.Error(), "closed pipe"))
}

func (fs *fakeServer) handle(tag, verb, args string, w func(string, ...any), readline func() string, br *bufio.Reader) string {
	fs.Lock()
	defer fs.Unlock()

	ok := func(text string) string { return tag + " OK " + text + "\r\n" }
	no := func(text string) string { return tag + " NO " + text + "\r\n" }

	switch verb {
	case "CAPABILITY":
		return "* CAPABILITY " + fs.caps + "\r\n" + ok("done")
	case "NOOP", "CHECK":
		return ok("done")
	case "LOGIN":
		if args != `mjl test1234` {
			return no("[AUTHENTICATIONFAILED] bad credentials")
		}
		if fs.loginCaps != "" {
			return ok("[CAPABILITY " + fs.loginCaps + "] logged in")
		}
		return ok("logged in")
	case "AUTHENTICATE":
		switch strings.ToUpper(args) {
		case "PLAIN":
			w("+ \r\n")
			buf, _ := base64.StdEncoding.DecodeString(readline())
			if string(buf) != "\x00mjl\x00test1234" {
				return no("bad credentials")
			}
			return ok("logged in")
		case "CRAM-MD5":
			challenge := "<1896.697170952@postoffice.reston.mci.net>"
			w("+ %s\r\n", base64.StdEncoding.EncodeToString([]byte(challenge)))
			buf, _ := base64.StdEncoding.DecodeString(readline())
			exp := fmt.Sprintf("mjl %x", sasl.CRAMMD5Digest("test1234", []byte(challenge)))
			if string(buf) != exp {
				return no("bad credentials")
			}
			return ok("logged in")
		}
		return tag + " BAD unknown mechanism\r\n"
	case "SELECT", "EXAMINE":
		name, _ := parseAstring(args)
		msgs, exists := fs.mailboxes[name]
		if !exists {
			fs.selected = ""
			return no("Mailbox does not exist")
		}
		fs.selected = name
		mode := "[READ-WRITE]"
		if verb == "EXAMINE" {
			mode = "[READ-ONLY]"
		}
		return fmt.Sprintf("* %d EXISTS\r\n* 0 RECENT\r\n* FLAGS (\\Seen \\Deleted)\r\n* OK [PERMANENTFLAGS (\\Seen \\Deleted \\*)] ok\r\n* OK [UIDVALIDITY 1] ok\r\n* OK [UIDNEXT %d] ok\r\n", len(msgs), fs.uidnext[name]) + ok(mode+" done")
	case "FETCH":
		seqstr, _, _ := strings.Cut(args, " ")
		seq, _ := strconv.Atoi(seqstr)
		msgs := fs.mailboxes[fs.selected]
		if seq < 1 || seq > len(msgs) {
			return tag + " BAD invalid sequence number\r\n"
		}
		m := msgs[seq-1]
		if m.missing {
			return ok("done")
		}
		return fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s) RFC822.SIZE %d BODY[] {%d}\r\n%s)\r\n", seq, m.uid, strings.Join(m.flags, " "), len(m.data), len(m.data), m.data) + ok("done")
	case "UID FETCH":
		uidstr, items, _ := strings.Cut(args, " ")
		uid, _ := strconv.ParseUint(uidstr, 10, 32)
		for i, m := range fs.mailboxes[fs.selected] {
			if m.uid != uint32(uid) || m.missing {
				continue
			}
			section, data := "BODY[]", m.data
			if strings.Contains(strings.ToUpper(items), "[HEADER]") {
				section = "BODY[HEADER]"
				if j := strings.Index(data, "\r\n\r\n"); j >= 0 {
					data = data[:j+4]
				}
			}
			return fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s) RFC822.SIZE %d %s {%d}\r\n%s)\r\n", i+1, m.uid, strings.Join(m.flags, " "), len(m.data), section, len(data), data) + ok("done")
		}
		// Unknown UIDs are not an error.
		return ok("done")
	case "UID COPY", "UID MOVE":
		set, dst, _ := strings.Cut(args, " ")
		dst, _ = parseAstring(dst)
		if _, exists := fs.mailboxes[dst]; !exists {
			return no("[TRYCREATE] no such mailbox")
		}
		var out string
		var keep []*fakeMsg
		for _, m := range fs.mailboxes[fs.selected] {
			if !inSet(set, m.uid) {
				keep = append(keep, m)
				continue
			}
			nm := &fakeMsg{uid: fs.uidnext[dst], data: m.data, flags: append([]string{}, m.flags...)}
			fs.uidnext[dst]++
			fs.mailboxes[dst] = append(fs.mailboxes[dst], nm)
			if verb == "UID MOVE" {
				out += fmt.Sprintf("* %d EXPUNGE\r\n", len(keep)+1)
			} else {
				keep = append(keep, m)
			}
		}
		if verb == "UID MOVE" {
			fs.mailboxes[fs.selected] = keep
		}
		return out + ok("done")
	case "UID STORE":
		t := strings.SplitN(args, " ", 3)
		if len(t) != 3 || !strings.HasPrefix(strings.ToUpper(t[1]), "+FLAGS") {
			return tag + " BAD unsupported store\r\n"
		}
		flags := strings.Fields(strings.Trim(t[2], "()"))
		for _, m := range fs.mailboxes[fs.selected] {
			if inSet(t[0], m.uid) {
				m.flags = append(m.flags, flags...)
			}
		}
		return ok("done")
	case "EXPUNGE", "UID EXPUNGE":
		var out string
		var keep []*fakeMsg
		for _, m := range fs.mailboxes[fs.selected] {
			deleted := false
			for _, f := range m.flags {
				deleted = deleted || f == `\Deleted`
			}
			if deleted && (verb == "EXPUNGE" || inSet(args, m.uid)) {
				out += fmt.Sprintf("* %d EXPUNGE\r\n", len(keep)+1)
				continue
			}
			keep = append(keep, m)
		}
		fs.mailboxes[fs.selected] = keep
		return out + ok("done")
	case "APPEND":
		name, rest := parseAstring(args)
		size, isLit := literalSize(rest)
		if !isLit {
			return tag + " BAD expected literal\r\n"
		}
		if _, exists := fs.mailboxes[name]; !exists {
			return no("[TRYCREATE] no such mailbox")
		}
		w("+ Ready for literal data\r\n")
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			panic(err)
		}
		if line := readline(); line != "" {
			return tag + " BAD expected crlf after literal\r\n"
		}
		var flags []string
		if l, ok := parenList(rest, ""); ok {
			flags = l
		}
		m := &fakeMsg{uid: fs.uidnext[name], data: string(buf), flags: flags}
		fs.uidnext[name]++
		fs.mailboxes[name] = append(fs.mailboxes[name], m)
		return ok(fmt.Sprintf("[APPENDUID 1 %d] done", m.uid))
	case "IDLE":
		w("+ idling\r\n")
		if fs.idleData != "" {
			w("%s", fs.idleData)
		}
		fs.Unlock()
		line := readline()
		fs.Lock()
		if line != "DONE" {
			return tag + " BAD expected DONE\r\n"
		}
		return ok("idle done")
	case "LIST":
		// Reference and pattern are ignored, all mailboxes are listed.
		var names []string
		for name := range fs.mailboxes {
			names = append(names, name)
		}
		slices.Sort(names)
		var out string
		for _, name := range names {
			out += fmt.Sprintf("* LIST (\\HasNoChildren) \"/\" \"%s\"\r\n", name)
		}
		return out + ok("done")
	case "STATUS":
		name, _ := parseAstring(args)
		msgs, exists := fs.mailboxes[name]
		if !exists {
			return no("[NONEXISTENT] no such mailbox")
		}
		unseen := 0
		for _, m := range msgs {
			if !slices.Contains(m.flags, `\Seen`) {
				unseen++
			}
		}
		return fmt.Sprintf("* STATUS \"%s\" (MESSAGES %d RECENT 0 UIDNEXT %d UIDVALIDITY 1 UNSEEN %d)\r\n", name, len(msgs), fs.uidnext[name], unseen) + ok("done")
	case "CREATE":
		name, _ := parseAstring(args)
		if _, exists := fs.mailboxes[name]; exists {
			return no("[ALREADYEXISTS] mailbox exists")
		}
		fs.mailboxes[name] = nil
		fs.uidnext[name] = 1
		return ok("done")
	case "DELETE":
		name, _ := parseAstring(args)
		if _, exists := fs.mailboxes[name]; !exists {
			return no("[NONEXISTENT] no such mailbox")
		}
		delete(fs.mailboxes, name)
		delete(fs.uidnext, name)
		return ok("done")
	case "RENAME":
		from, rest := parseAstring(args)
		to, _ := parseAstring(rest)
		if _, exists := fs.mailboxes[from]; !exists {
			return no("[NONEXISTENT] no such mailbox")
		}
		fs.mailboxes[to], fs.uidnext[to] = fs.mailboxes[from], fs.uidnext[from]
		delete(fs.mailboxes, from)
		delete(fs.uidnext, from)
		return ok("done")
	case "UNSELECT", "CLOSE":
		if fs.selected == "" {
			return tag + " BAD no mailbox selected\r\n"
		}
		fs.selected = ""
		return ok("done")
	case "SEARCH", "UID SEARCH":
		var ids []string
		for i, m := range fs.mailboxes[fs.selected] {
			switch strings.ToUpper(args) {
			case "ALL":
			case "UNSEEN":
				if slices.Contains(m.flags, `\Seen`) {
					continue
				}
			default:
				return tag + " BAD unsupported search\r\n"
			}
			if verb == "UID SEARCH" {
				ids = append(ids, strconv.Itoa(int(m.uid)))
			} else {
				ids = append(ids, strconv.Itoa(i+1))
			}
		}
		return "* SEARCH " + strings.Join(ids, " ") + "\r\n" + ok("done")
	case "NAMESPACE":
		return "* NAMESPACE " + fs.namespace + "\r\n" + ok("done")
	case "SUBSCRIBE":
		name, _ := parseAstring(args)
		if _, exists := fs.mailboxes[name]; !exists {
			return no("[NONEXISTENT] no such mailbox")
		}
		fs.subscribed[name] = true
		return ok("done")
	case "UNSUBSCRIBE":
		name, _ := parseAstring(args)
		delete(fs.subscribed, name)
		return ok("done")
	case "LSUB":
		var names []string
		for name := range fs.subscribed {
			names = append(names, name)
		}
		slices.Sort(names)
		var out string
		for _, name := range names {
			out += fmt.Sprintf("* LSUB () \"/\" \"%s\"\r\n", name)
		}
		return out + ok("done")
	case "GETQUOTA":
		root, _ := parseAstring(args)
		l, exists := fs.quotas[root]
		if !exists {
			return no("[NONEXISTENT] no such quota root")
		}
		return fakeQuota(root, l) + ok("done")
	case "GETQUOTAROOT":
		name, _ := parseAstring(args)
		if _, exists := fs.mailboxes[name]; !exists {
			return no("[NONEXISTENT] no such mailbox")
		}
		out := "* QUOTAROOT " + name
		for _, root := range fs.quotaRoots[name] {
			out += fmt.Sprintf(` "%s"`, root)
		}
		out += "\r\n"
		for _, root := range fs.quotaRoots[name] {
			if l, ok := fs.quotas[root]; ok {
				out += fakeQuota(root, l)
			}
		}
		return out + ok("done")
	case "SETQUOTA":
		root, rest := parseAstring(args)
		words, _ := parenList(rest, "")
		var l []QuotaResource
		for i := 0; i+1 < len(words); i += 2 {
			limit, err := strconv.ParseUint(words[i+1], 10, 64)
			if err != nil {
				return tag + " BAD bad limit\r\n"
			}
			r := QuotaResource{Name: words[i], Limit: limit}
			for _, o := range fs.quotas[root] {
				if o.Name == r.Name {
					r.Usage = o.Usage
				}
			}
			l = append(l, r)
		}
		fs.quotas[root] = l
		return ok("done")
	case "LOGOUT":
		return "* BYE bye\r\n" + ok("done")
	}
	return tag + " BAD unknown command\r\n"
}

func fakeQuota(root string, l []QuotaResource) string {
	var t []string
	for _, r := range l {
		t = append(t, fmt.Sprintf("%s %d %d", r.Name, r.Usage, r.Limit))
	}
	return fmt.Sprintf("* QUOTA \"%s\" (%s)\r\n", root, strings.Join(t, " "))
}

// inSet checks uid against a comma-separated list of numbers.
func inSet(set string, uid uint32) bool {
	for _, s := range strings.Split(set, ",") {
		if v, err := strconv.ParseUint(s, 10, 32); err == nil && uint32(v) == uid {
			return true
		}
	}
	return false
}
