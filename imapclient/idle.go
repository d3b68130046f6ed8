package imapclient

import (
	"errors"
	"net"
	"os"
	"strings"
	"time"
)

// Idle starts IDLE, RFC 2177. The server can then send untagged updates, read
// with IdleEvents. Other commands are not permitted until Done is called.
func (s *Session) Idle() error {
	if err := s.permit(StateAuthenticated); err != nil {
		return err
	}
	tag := s.nextTag()
	s.lastCommand = "IDLE"
	s.deadline()
	if err := s.write(tag + " IDLE\r\n"); err != nil {
		return s.ioError(err)
	}
	resp, err := s.readResponse(tag, true)
	if err != nil {
		return s.ioError(err)
	}
	if !resp.continuation {
		resp.Command = s.lastCommand
		return s.result("IDLE", resp, nil)
	}
	s.idle = true
	s.idleTag = tag
	if s.state == StateSelected {
		s.mailbox = s.mailbox.updated(responseLines(resp.Body))
	}
	return nil
}

// IdleEvents waits up to timeout for untagged responses while idling and returns
// the lines read, without CRLF. Updates for the selected mailbox, like EXISTS and
// EXPUNGE, are applied to the Mailbox. A timeout is not an error, the returned
// lines are empty.
func (s *Session) IdleEvents(timeout time.Duration) ([]string, error) {
	if !s.idle || s.conn == nil {
		return nil, ErrNotPermitted
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, s.ioError(err)
	}
	defer func() {
		if s.conn != nil {
			s.deadline()
		}
	}()

	var lines []string
	for {
		line, err := s.readLine()
		if err != nil {
			if isTimeout(err) {
				break
			}
			return lines, s.ioError(err)
		}
		lines = append(lines, strings.TrimSuffix(line, "\r\n"))
		if s.pending == "" {
			break
		}
	}
	if s.state == StateSelected {
		s.mailbox = s.mailbox.updated(lines)
	}
	return lines, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.As(err, &ne) && ne.Timeout()
}

// Done ends IDLE and reads the result of the IDLE command.
func (s *Session) Done() error {
	if !s.idle {
		return ErrNotPermitted
	}
	s.deadline()
	if err := s.write("DONE\r\n"); err != nil {
		return s.ioError(err)
	}
	resp, err := s.readResponse(s.idleTag, false)
	s.idle = false
	s.idleTag = ""
	if err != nil {
		return s.ioError(err)
	}
	if s.state == StateSelected {
		s.mailbox = s.mailbox.updated(responseLines(resp.Body))
	}
	resp.Command = "IDLE"
	return s.result("IDLE", resp, nil)
}
