package imapproxy

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/message"
	"github.com/bertjohnson/OpaqueMail-sub001/metrics"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

// importer installs signing certificates of messages seen on one relayed
// connection. Certificates are installed once per connection, tracked by
// fingerprint.
type importer struct {
	ctx    context.Context
	log    mlog.Log
	store  *certstore.Store
	scope  certstore.Scope
	source string
	run    func(fn func()) // Starts fn in the background.

	mu   sync.Mutex
	seen map[string]struct{}
}

func newImporter(ctx context.Context, log mlog.Log, store *certstore.Store, scope certstore.Scope, source string, run func(fn func())) *importer {
	return &importer{ctx: ctx, log: log, store: store, scope: scope, source: source, run: run, seen: map[string]struct{}{}}
}

// dispatch starts importing in the background. It does not block the relay.
func (im *importer) dispatch(msg []byte) {
	im.run(func() { im.importMessage(msg) })
}

// importMessage parses msg and installs its signing certificate, unless it was
// seen before. Errors are logged only.
func (im *importer) importMessage(msg []byte) {
	result := "error"
	defer func() {
		x := recover()
		if x != nil {
			im.log.Error("unhandled panic while importing certificate", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("imapproxy")
		}
		metricCertImport.WithLabelValues(result).Inc()
	}()

	if !message.IsSMIME(msg) {
		result = "nocert"
		return
	}
	m, err := message.Parse(msg)
	if err != nil {
		im.log.Debugx("parsing message for signing certificate", err)
		return
	}
	cert := m.SigningCertificate
	if cert == nil {
		im.log.Debug("no signing certificate in s/mime message", slog.String("messageid", m.MessageID))
		result = "nocert"
		return
	}

	fp := certstore.Fingerprint(cert)
	im.mu.Lock()
	_, seen := im.seen[fp]
	im.seen[fp] = struct{}{}
	im.mu.Unlock()
	if seen {
		result = "seen"
		return
	}

	ctx, cancel := context.WithTimeout(im.ctx, 30*time.Second)
	defer cancel()
	_, installed, err := im.store.Install(ctx, cert, im.scope, im.source)
	if err != nil {
		im.log.Errorx("installing signing certificate", err, slog.String("fingerprint", fp), slog.String("subject", cert.Subject.String()))
		// Another message with this certificate can try again.
		im.mu.Lock()
		delete(im.seen, fp)
		im.mu.Unlock()
		return
	}
	if installed {
		result = "new"
	} else {
		result = "exists"
	}
	im.log.Debug("signing certificate processed",
		slog.String("fingerprint", fp),
		slog.String("subject", cert.Subject.String()),
		slog.Bool("installed", installed))
}
