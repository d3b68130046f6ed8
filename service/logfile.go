package service

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

// logFile is a log file for a relay. The string "{date}" in the path template
// is replaced with the current date, and a new file is opened when the date
// changes.
type logFile struct {
	template string
	now      func() time.Time

	sync.Mutex
	path string
	f    *os.File
}

var _ io.WriteCloser = (*logFile)(nil)

func newLogFile(template string) *logFile {
	return &logFile{template: template, now: time.Now}
}

func (lf *logFile) currentPath() string {
	return strings.ReplaceAll(lf.template, "{date}", lf.now().Format("20060102"))
}

func (lf *logFile) Write(buf []byte) (int, error) {
	lf.Lock()
	defer lf.Unlock()

	p := lf.currentPath()
	if lf.f == nil || p != lf.path {
		if lf.f != nil {
			err := lf.f.Close()
			pkglog.Check(err, "closing relay log file", slog.String("path", lf.path))
			lf.f = nil
		}
		if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
			return 0, fmt.Errorf("making log file directory: %v", err)
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0660)
		if err != nil {
			return 0, fmt.Errorf("opening log file: %v", err)
		}
		lf.f = f
		lf.path = p
	}
	return lf.f.Write(buf)
}

func (lf *logFile) Close() error {
	lf.Lock()
	defer lf.Unlock()
	if lf.f == nil {
		return nil
	}
	err := lf.f.Close()
	lf.f = nil
	return err
}

// relayLogger returns a logger for a relay. Without a log file, nil is returned
// and packages log to stderr only. With a log file, lines go to both.
func relayLogger(conf *Config, name string) (*slog.Logger, io.Closer) {
	r := conf.Static.Relays[name]
	if r.LogFile == "" {
		return nil, nil
	}
	lf := newLogFile(conf.DataDirPath(r.LogFile))
	return mlog.NewLogger(io.MultiWriter(os.Stderr, lf)), lf
}
