package imapclient

import (
	"strings"

	"github.com/bertjohnson/OpaqueMail-sub001/streamio"
)

// read appends the next available data to acc. Pending data from a previous
// response is used first.
func (s *Session) read(acc string) (string, error) {
	if s.pending != "" {
		acc += s.pending
		s.pending = ""
		return acc, nil
	}
	if s.conn == nil {
		return acc, streamio.ErrDisconnected
	}
	text, err := streamio.ReadAvailable(s.tr, s.buf)
	return acc + text, err
}

// readLine reads a single line including CRLF. Data after the line is kept for
// the next read.
func (s *Session) readLine() (string, error) {
	var acc string
	for {
		if i := strings.Index(acc, "\r\n"); i >= 0 {
			s.pending = acc[i+2:] + s.pending
			return acc[:i+2], nil
		}
		var err error
		acc, err = s.read(acc)
		if err != nil {
			// Keep a partial line, e.g. after an IDLE read timeout.
			s.pending = acc
			return "", err
		}
	}
}

// readResponse accumulates data until the tagged result line for tag has been
// read, or a continuation line if cont is set.
//
// The first line is checked for a tagged NO or BAD on every read until it is
// complete, a response with only a failure line does not need more data.
// Otherwise a response is complete when it ends with a line starting with the
// tag. Literals are not interpreted: a literal containing CRLF followed by the
// tag and a space would end the response early.
func (s *Session) readResponse(tag string, cont bool) (Response, error) {
	var acc string
	firstLine := false
	for {
		prev := len(acc)
		var err error
		acc, err = s.read(acc)
		if err != nil {
			return Response{Tag: tag, Body: acc}, err
		}

		if !firstLine {
			i := strings.Index(acc, "\r\n")
			if i < 0 {
				continue
			}
			firstLine = true
			line := acc[:i]
			if st, text, ok := statusLine(line, tag); ok && st != OK {
				s.pending = acc[i+2:]
				return Response{Tag: tag, Status: st, Text: text}, nil
			}
		}

		if resp, ok := s.complete(acc, prev, tag, cont); ok {
			return resp, nil
		}
	}
}

// complete checks whether acc holds a complete response. Only lines completed
// after the first prev bytes are checked. Data after the result line is kept
// for the next command.
func (s *Session) complete(acc string, prev int, tag string, cont bool) (Response, bool) {
	// End of the last complete line.
	end := strings.LastIndex(acc, "\r\n")
	if end < 0 {
		return Response{}, false
	}
	lineStart := func(e int) int {
		if j := strings.LastIndex(acc[:e], "\r\n"); j >= 0 {
			return j + 2
		}
		return 0
	}

	// Usually the result line is the last line. With data following, e.g. an
	// untagged response sent right after the result, we search backwards.
	for e := end; e+2 > prev; {
		start := lineStart(e)
		line := acc[start:e]
		if st, text, ok := statusLine(line, tag); ok {
			s.pending = acc[e+2:] + s.pending
			resp := Response{Tag: tag, Status: st, Text: text}
			if start == 0 {
				resp.Body = text
			} else {
				resp.Body = acc[:start]
			}
			return resp, true
		}
		if cont && (strings.HasPrefix(line, "+ ") || line == "+") {
			s.pending = acc[e+2:] + s.pending
			return Response{Tag: tag, Status: OK, Body: acc[:start], Text: strings.TrimPrefix(strings.TrimPrefix(line, "+"), " "), continuation: true}, true
		}
		if start == 0 {
			break
		}
		e = start - 2
	}
	return Response{}, false
}

// statusLine parses line as a result line for tag: "<tag> OK|NO|BAD text".
func statusLine(line, tag string) (Status, string, bool) {
	if !strings.HasPrefix(line, tag+" ") {
		return "", "", false
	}
	rest := line[len(tag)+1:]
	word, text, _ := strings.Cut(rest, " ")
	switch st := Status(strings.ToUpper(word)); st {
	case OK, NO, BAD:
		return st, text, true
	}
	return "", "", false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
