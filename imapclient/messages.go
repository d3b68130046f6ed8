package imapclient

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/message"
	"github.com/bertjohnson/OpaqueMail-sub001/streamio"
)

// ErrNoMessage is returned when a fetch did not return the requested message,
// e.g. because it was expunged concurrently.
var ErrNoMessage = errors.New("message not found")

// StoreMode is the kind of flag change for Store.
type StoreMode string

const (
	StoreAdd     StoreMode = "+FLAGS"
	StoreRemove  StoreMode = "-FLAGS"
	StoreReplace StoreMode = "FLAGS"
)

// fetchItem is the data from one untagged FETCH response.
type fetchItem struct {
	Seq     uint32
	UID     uint32
	Flags   string // Including parentheses.
	Size    int64
	Body    string // Literal data for BODY[...] or RFC822, if any.
	HasBody bool
}

// parseFetch parses an untagged FETCH line from responseLines. Attributes are
// looked up with prefix markers, outside of the literal.
func parseFetch(line string) (fetchItem, bool) {
	seq, ok := untaggedNumber(line, "FETCH")
	if !ok {
		return fetchItem{}, false
	}
	fi := fetchItem{Seq: seq}

	attrs := line
	if i := strings.Index(line, "\r\n"); i >= 0 {
		head := line[:i]
		if n, ok := literalSize(head); ok && i+2+n <= len(line) {
			fi.Body = line[i+2 : i+2+n]
			fi.HasBody = true
			attrs = head[:strings.LastIndex(head, "{")] + line[i+2+n:]
		}
	}
	upper := strings.ToUpper(attrs)
	if v, ok := numberAfter(upper, "UID "); ok {
		fi.UID = v
	}
	if v, ok := numberAfter(upper, "RFC822.SIZE "); ok {
		fi.Size = int64(v)
	}
	if i := strings.Index(upper, "FLAGS ("); i >= 0 {
		if j := strings.Index(attrs[i:], ")"); j >= 0 {
			fi.Flags = attrs[i+len("FLAGS ") : i+j+1]
		}
	}
	return fi, true
}

func uidPrefix(uid bool) string {
	if uid {
		return "UID "
	}
	return ""
}

// fetch executes FETCH for a single message and returns its data. If no FETCH
// response for the message is returned, ErrNoMessage is returned.
func (s *Session) fetch(id uint32, uid bool, items string) (fetchItem, error) {
	if err := s.permit(StateSelected); err != nil {
		return fetchItem{}, err
	}
	resp, err := s.transact(newCmd("%sFETCH %d %s", uidPrefix(uid), id, items))
	if err != nil {
		return fetchItem{}, err
	}
	for _, line := range responseLines(resp.Body) {
		fi, ok := parseFetch(line)
		if !ok {
			continue
		}
		// Servers can send unsolicited FETCH responses for other messages, e.g. flag changes.
		if uid && fi.UID == id || !uid && fi.Seq == id {
			return fi, nil
		}
	}
	return fetchItem{}, ErrNoMessage
}

// FetchMessage fetches the full message by sequence number, or by UID if uid is
// set. The \Seen flag is not set by fetching.
func (s *Session) FetchMessage(id uint32, uid bool) (*message.Message, error) {
	return s.fetchMessage(id, uid, "BODY.PEEK[]")
}

// FetchHeaders fetches only the header section of a message.
func (s *Session) FetchHeaders(id uint32, uid bool) (*message.Message, error) {
	return s.fetchMessage(id, uid, "BODY.PEEK[HEADER]")
}

func (s *Session) fetchMessage(id uint32, uid bool, section string) (*message.Message, error) {
	fi, err := s.fetch(id, uid, "(UID FLAGS RFC822.SIZE "+section+")")
	if err != nil {
		return nil, err
	}
	if !fi.HasBody {
		return nil, ErrNoMessage
	}
	m, err := message.Parse([]byte(fi.Body))
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", id, err)
	}
	m.SetFlags(fi.Flags)
	m.SetUID(fi.UID)
	m.SetMailbox(s.mailbox.Name)
	m.Index = fi.Seq
	if fi.Size > 0 {
		m.Size = fi.Size
	}
	return m, nil
}

// FetchFlags returns the flags of a message.
func (s *Session) FetchFlags(id uint32, uid bool) ([]string, error) {
	fi, err := s.fetch(id, uid, "(UID FLAGS)")
	if err != nil {
		return nil, err
	}
	return strings.Fields(strings.Trim(fi.Flags, "()")), nil
}

// FetchUID returns the UID of the message with sequence number index.
func (s *Session) FetchUID(index uint32) (uint32, error) {
	fi, err := s.fetch(index, false, "(UID)")
	if err != nil {
		return 0, err
	}
	if fi.UID == 0 {
		return 0, ErrNoMessage
	}
	return fi.UID, nil
}

// Store changes the flags of the messages in set, a sequence set like "1:3" or
// from SeqSet.
func (s *Session) Store(set string, uid bool, mode StoreMode, flags ...string) error {
	return s.simple(StateSelected, "%sSTORE %s %s.SILENT (%s)", uidPrefix(uid), set, mode, strings.Join(flags, " "))
}

// Copy copies messages to mailbox.
func (s *Session) Copy(set string, uid bool, mailbox string) error {
	if err := s.permit(StateSelected); err != nil {
		return err
	}
	_, err := s.transact(newCmd("%sCOPY %s ", uidPrefix(uid), set).astring(EncodeMailbox(mailbox)))
	return err
}

// Move moves messages to mailbox. Without the MOVE capability, the messages are
// copied, flagged \Deleted and expunged. The first failing step ends the move.
func (s *Session) Move(set string, uid bool, mailbox string) error {
	if err := s.permit(StateSelected); err != nil {
		return err
	}
	if s.hasCap(CapMove) {
		resp, err := s.transact(newCmd("%sMOVE %s ", uidPrefix(uid), set).astring(EncodeMailbox(mailbox)))
		if err == nil {
			s.mailbox = s.mailbox.updated(responseLines(resp.Body))
		}
		return err
	}

	s.log.Debug("server has no move, using copy, store and expunge", slog.String("set", set))
	if err := s.Copy(set, uid, mailbox); err != nil {
		return err
	}
	if err := s.Store(set, uid, StoreAdd, `\Deleted`); err != nil {
		return err
	}
	_, err := s.Expunge(set, uid)
	return err
}

// Search returns the sequence numbers, or UIDs if uid is set, of messages
// matching criteria. Criteria are sent as is, e.g. "UNSEEN" or
// `FROM "alice@example.org"`.
func (s *Session) Search(criteria string, uid bool) ([]uint32, error) {
	if err := s.permit(StateSelected); err != nil {
		return nil, err
	}
	resp, err := s.transact(newCmd("%sSEARCH %s", uidPrefix(uid), criteria))
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, line := range responseLines(resp.Body) {
		if !hasPrefixFold(line, "* SEARCH") {
			continue
		}
		for _, t := range strings.Fields(line[len("* SEARCH"):]) {
			if v, err := strconv.ParseUint(t, 10, 32); err == nil {
				ids = append(ids, uint32(v))
			}
		}
	}
	return ids, nil
}

// Expunge removes messages flagged \Deleted and returns the sequence numbers of
// the expunged messages. With uid set and a server with UIDPLUS, only the
// messages in set are expunged with UID EXPUNGE. Otherwise set is ignored and all
// deleted messages are expunged.
func (s *Session) Expunge(set string, uid bool) ([]uint32, error) {
	if err := s.permit(StateSelected); err != nil {
		return nil, err
	}
	cmd := newCmd("EXPUNGE")
	if uid && set != "" && s.hasCap(CapUidplus) {
		cmd = newCmd("UID EXPUNGE %s", set)
	}
	resp, err := s.transact(cmd)
	if err != nil {
		return nil, err
	}
	lines := responseLines(resp.Body)
	var seqs []uint32
	for _, line := range lines {
		if n, ok := untaggedNumber(line, "EXPUNGE"); ok {
			seqs = append(seqs, n)
		}
	}
	s.mailbox = s.mailbox.updated(lines)
	return seqs, nil
}

// Check requests a checkpoint of the selected mailbox.
func (s *Session) Check() error {
	return s.simple(StateSelected, "CHECK")
}

// Append adds msg to mailbox with flags. If date is not zero, it is used as
// internal date. The literal is sent after the server sent a continuation. If the
// server returns an APPENDUID response code, the new UID is returned, otherwise
// zero.
func (s *Session) Append(mailbox string, flags []string, date time.Time, msg []byte) (uint32, error) {
	if err := s.permit(StateAuthenticated); err != nil {
		return 0, err
	}
	cmd := newCmd("APPEND ").astring(EncodeMailbox(mailbox))
	if len(flags) > 0 {
		cmd.add(" (%s)", strings.Join(flags, " "))
	}
	if !date.IsZero() {
		cmd.add(` "%s"`, date.Format("_2-Jan-2006 15:04:05 -0700"))
	}
	cmd.add(" ").literal(string(msg))
	resp, err := s.transact(cmd)
	if err != nil {
		return 0, err
	}
	code, ok := between(strings.ToUpper(resp.Text), "[APPENDUID ", "]")
	if !ok {
		return 0, nil
	}
	t := strings.Fields(code)
	if len(t) != 2 {
		return 0, nil
	}
	v, err := strconv.ParseUint(t[1], 10, 32)
	if err != nil {
		return 0, nil
	}
	return uint32(v), nil
}

// GetMessages fetches up to count messages from the selected mailbox, starting
// at 1-based sequence number start and moving up, or down if reverse is set.
// Messages that cannot be fetched or parsed are skipped and do not count, but
// iteration ends at the bounds of the mailbox. With headersOnly, only headers
// are fetched.
func (s *Session) GetMessages(start, count uint32, reverse, headersOnly bool) ([]*message.Message, error) {
	if err := s.permit(StateSelected); err != nil {
		return nil, err
	}
	var l []*message.Message
	exists := s.mailbox.Exists
	for seq := start; seq >= 1 && seq <= exists && uint32(len(l)) < count; {
		m, err := s.getMessage(seq, false, headersOnly)
		if err != nil {
			if !skippable(err) {
				return l, err
			}
			s.log.Debugx("skipping message", err, slog.Any("seq", seq))
		} else {
			l = append(l, m)
		}
		if reverse {
			seq--
		} else {
			seq++
		}
	}
	return l, nil
}

// GetMessagesByUID fetches messages by UID, skipping messages that cannot be
// fetched or parsed.
func (s *Session) GetMessagesByUID(uids []uint32, headersOnly bool) ([]*message.Message, error) {
	if err := s.permit(StateSelected); err != nil {
		return nil, err
	}
	var l []*message.Message
	for _, uid := range uids {
		m, err := s.getMessage(uid, true, headersOnly)
		if err != nil {
			if !skippable(err) {
				return l, err
			}
			s.log.Debugx("skipping message", err, slog.Any("uid", uid))
			continue
		}
		l = append(l, m)
	}
	return l, nil
}

func (s *Session) getMessage(id uint32, uid, headersOnly bool) (*message.Message, error) {
	if headersOnly {
		return s.FetchHeaders(id, uid)
	}
	return s.FetchMessage(id, uid)
}

// skippable returns whether err is specific to a message, not to the session.
func skippable(err error) bool {
	return !errors.Is(err, ErrNotPermitted) && !errors.Is(err, streamio.ErrDisconnected)
}
