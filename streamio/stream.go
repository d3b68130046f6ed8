// Package streamio has helpers for reading and writing protocol text over
// plain or TLS-wrapped connections.
package streamio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrDisconnected is returned when the peer closed its side of the stream, or the
// stream can no longer be used.
var ErrDisconnected = errors.New("stream disconnected")

// ReadAvailable does a single Read on r into buf and returns the data read as
// string. A read of zero bytes or EOF returns an empty string and an error
// wrapping ErrDisconnected. Errors for closed connections also wrap
// ErrDisconnected.
func ReadAvailable(r io.Reader, buf []byte) (string, error) {
	n, err := r.Read(buf)
	if n > 0 {
		// Data is returned even if an error was returned. The next read will return the
		// error again.
		return string(buf[:n]), nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: eof", ErrDisconnected)
	}
	if IsClosed(err) {
		return "", fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return "", err
}

// WriteAll writes text to w, flushing w if it is a bufio.Writer.
func WriteAll(w io.Writer, text string) error {
	if _, err := io.WriteString(w, text); err != nil {
		if IsClosed(err) {
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		if err := bw.Flush(); err != nil {
			if IsClosed(err) {
				return fmt.Errorf("%w: %w", ErrDisconnected, err)
			}
			return err
		}
	}
	return nil
}
