package imapproxy

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

var pkglog = mlog.New("imapproxy", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

// sniffCollector records dispatched messages and throttle notices.
type sniffCollector struct {
	msgs      []string
	throttled int
}

func (c *sniffCollector) server() *serverSniffer {
	return &serverSniffer{
		log:       pkglog,
		dispatch:  func(msg []byte) { c.msgs = append(c.msgs, string(msg)) },
		throttled: func() { c.throttled++ },
	}
}

func (c *sniffCollector) client() *clientSniffer {
	return &clientSniffer{
		log:      pkglog,
		dispatch: func(msg []byte) { c.msgs = append(c.msgs, string(msg)) },
	}
}

// feed passes data to sn in chunks of size n.
func feed(sn sniffer, data string, n int) {
	for len(data) > 0 {
		k := min(n, len(data))
		// Copy, like the relay buffer that is reused.
		sn.sniff([]byte(data[:k]))
		data = data[k:]
	}
}

func smimeBody(size int) string {
	s := "Content-Type: application/pkcs7-mime; smime-type=signed-data\r\n\r\n"
	return s + strings.Repeat("x", size-len(s))
}

func fetchLiteral(seq int, body string) string {
	return fmt.Sprintf("* %d FETCH (UID %d BODY[] {%d}\r\n%s)\r\n", seq, seq+100, len(body), body)
}

func TestFetchLiteralSplit(t *testing.T) {
	body := "Content-Type: application/pkcs7-mime\r\n\r\n"
	body += strings.Repeat("y", 50-len(body))
	tcompare(t, len(body), 50)
	resp := fetchLiteral(1, body) + "a1 OK done\r\n"

	start := strings.Index(resp, "{50}\r\n") + len("{50}\r\n")
	for i := 1; i < len(resp); i++ {
		var c sniffCollector
		ss := c.server()
		ss.sniff([]byte(resp[:i]))
		ss.sniff([]byte(resp[i:]))
		if !reflect.DeepEqual(c.msgs, []string{body}) {
			t.Fatalf("split at %d (literal at %d): got %q", i, start, c.msgs)
		}
		if ss.lit != nil || ss.inFetch {
			t.Fatalf("split at %d: sniffer not back between responses", i)
		}
	}
}

func TestServerSnifferChunks(t *testing.T) {
	signed := smimeBody(300)
	plain := "Subject: hi\r\n\r\n* 3 FETCH (BODY[] {10}\r\nnot a literal\r\n"
	// Literal in a response that is not a FETCH is skipped, not inspected.
	listLit := "Content-Type: application/pkcs7-mime"
	stream := "* OK [CAPABILITY IMAP4rev1] say FETCH {12} to me\r\n" +
		"* LIST () \"/\" {" + fmt.Sprint(len(listLit)) + "}\r\n" + listLit + "\r\n" +
		fetchLiteral(1, signed) +
		fetchLiteral(2, plain) +
		"* 4 FETCH (BODY[HEADER] {0}\r\n BODY[] {" + fmt.Sprint(len(signed)) + "}\r\n" + signed + ")\r\n" +
		"* NO [THROTTLED]\r\n" +
		"a1 OK FETCH {5} done\r\n" +
		fetchLiteral(5, signed)

	var expMsgs []string
	for i := 0; i < 3; i++ {
		expMsgs = append(expMsgs, signed)
	}
	for _, n := range []int{1, 2, 3, 7, 13, 64, 1000, len(stream)} {
		var c sniffCollector
		feed(c.server(), stream, n)
		if !reflect.DeepEqual(c.msgs, expMsgs) {
			t.Fatalf("chunk size %d: got %d messages, expected %d", n, len(c.msgs), len(expMsgs))
		}
		tcompare(t, c.throttled, 1)
	}
}

func TestLineBufferLong(t *testing.T) {
	// A very long line is kept short, but still has its start and literal marker.
	line := "* 1 FETCH (X-LONG " + strings.Repeat("a", 3*maxLine) + " BODY[] {37}\r\n"
	body := "Content-Type: application/pkcs7-mime"
	body += strings.Repeat("z", 37-len(body))
	var c sniffCollector
	ss := c.server()
	feed(ss, line[:len(line)-2], 1000)
	if len(ss.lines.partial) > maxLine {
		t.Fatalf("line buffer grew to %d", len(ss.lines.partial))
	}
	feed(ss, "\r\n"+body+")\r\n", 1000)
	tcompare(t, c.msgs, []string{body})
}

func TestClientSniffer(t *testing.T) {
	msg := "From: a@example.org\r\nContent-Type: application/x-pkcs7-signature\r\n\r\nx3 DELETE INBOX\r\n"
	stream := "a1 LOGIN {3}\r\nmjl {8}\r\ntest1234\r\n" +
		fmt.Sprintf("a2 APPEND INBOX (\\Seen) {%d+}\r\n%s\r\n", len(msg), msg) +
		"a3 uid fetch 1:* (FLAGS)\r\n" +
		"a4 IDLE\r\nDONE\r\n"

	// Byte by byte, every command is seen.
	var c sniffCollector
	cs := c.client()
	var verbs []string
	for i := range stream {
		cs.sniff([]byte{stream[i]})
		if cs.lastVerb != "" && (len(verbs) == 0 || verbs[len(verbs)-1] != cs.lastVerb) {
			verbs = append(verbs, cs.lastVerb)
		}
	}
	tcompare(t, verbs, []string{"LOGIN", "APPEND", "UID FETCH", "IDLE"})
	tcompare(t, c.msgs, []string{msg})

	for _, n := range []int{5, 100, len(stream)} {
		var c sniffCollector
		cs := c.client()
		feed(cs, stream, n)
		tcompare(t, cs.lastVerb, "IDLE")
		tcompare(t, c.msgs, []string{msg})
		if cs.lit != nil || cs.cont {
			t.Fatalf("chunk size %d: sniffer not between commands", n)
		}
	}
}

func TestClientSnifferRefused(t *testing.T) {
	// Refused after the command was seen, nothing else sent yet.
	var c sniffCollector
	cs := c.client()
	feed(cs, "a1 APPEND Bogus {10}\r\n", 3)
	cs.refused("a1")
	feed(cs, "a2 NOOP\r\n", 3)
	tcompare(t, cs.lastVerb, "NOOP")
	tcompare(t, cs.lit == nil, true)

	// Next command already counted as literal when the refusal comes in.
	cs = c.client()
	feed(cs, "a1 APPEND Bogus {100}\r\n", 100)
	feed(cs, "a2 SELECT INBOX\r\na3 EXA", 5)
	cs.refused("a1")
	tcompare(t, cs.lastVerb, "SELECT")
	feed(cs, "MINE INBOX\r\n", 100)
	tcompare(t, cs.lastVerb, "EXAMINE")
	tcompare(t, cs.lit == nil, true)

	// Refusal inspected before the command.
	cs = c.client()
	cs.refused("a0")
	cs.refused("a1")
	feed(cs, "a1 APPEND Bogus {10}\r\na2 NOOP\r\n", 100)
	tcompare(t, cs.lastVerb, "NOOP")
	tcompare(t, cs.lit == nil, true)
	tcompare(t, cs.refusals, []string{"a0"})

	// Non-synchronizing literals are sent regardless.
	cs = c.client()
	feed(cs, "a1 APPEND INBOX {10+}\r\nab", 100)
	cs.refused("a1")
	tcompare(t, cs.lit != nil, true)
	feed(cs, "cdefghij\r\na2 NOOP\r\n", 100)
	tcompare(t, cs.lastVerb, "NOOP")

	// Refusal of another command does not affect an accepted literal.
	msg := "Content-Type: application/pkcs7-mime; smime-type=signed-data\r\n\r\nx\r\n"
	c = sniffCollector{}
	cs = c.client()
	feed(cs, fmt.Sprintf("a1 APPEND INBOX {%d}\r\n", len(msg)), 100)
	cs.refused("a0")
	feed(cs, msg+"\r\na2 LOGOUT\r\n", 7)
	tcompare(t, c.msgs, []string{msg})
	tcompare(t, cs.lastVerb, "LOGOUT")
}

func TestServerSnifferRefused(t *testing.T) {
	var c sniffCollector
	ss := c.server()
	var tags []string
	ss.refused = func(tag string) { tags = append(tags, tag) }
	feed(ss, "* OK [CAPABILITY IMAP4rev1] ready\r\n+ go ahead\r\na1 NO [TRYCREATE] no such mailbox\r\n* 1 FETCH (BODY[] {8}\r\na2 BAD\r\n)\r\na3 bad syntax\r\na4 OK done\r\n", 4)
	tcompare(t, tags, []string{"a1", "a3"})
}

func TestCommandVerb(t *testing.T) {
	tcompare(t, commandVerb([]byte("a1 select INBOX\r\n")), "SELECT")
	tcompare(t, commandVerb([]byte("a1 UID move 1 Archive\r\n")), "UID MOVE")
	tcompare(t, commandVerb([]byte("a1 LOGIN{3}\r\n")), "LOGIN")
	tcompare(t, commandVerb([]byte("DONE\r\n")), "")
	tcompare(t, commandVerb([]byte("dGVzdA==\r\n")), "")
}

func TestLiteralSize(t *testing.T) {
	test := func(line string, exp int64, expOK bool) {
		t.Helper()
		n, ok := literalSize([]byte(line))
		tcompare(t, ok, expOK)
		tcompare(t, n, exp)
	}
	test("* 1 FETCH (BODY[] {123}\r\n", 123, true)
	test("a1 APPEND INBOX {45+}\r\n", 45, true)
	test("* OK {12} later\r\n", 0, false)
	test("* OK {x}\r\n", 0, false)
	test("* OK }\r\n", 0, false)
}
