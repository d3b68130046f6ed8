// Package webadmin serves the admin API and prometheus metrics over HTTP.
//
// The API is a sherpa API at /api/, with relay status, the certificate store
// and log levels. The listener has no authentication, it must only be reachable
// from trusted networks.
package webadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	_ "embed"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/imapproxy"
	"github.com/bertjohnson/OpaqueMail-sub001/metrics"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/opaquevar"
	"github.com/bertjohnson/OpaqueMail-sub001/service"
)

var pkglog = mlog.New("webadmin", nil)

//go:embed api.json
var adminapiJSON []byte

var adminDoc = mustParseAPI("admin", adminapiJSON)

var collector *sherpaprom.Collector

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("opaquemailadmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// The host the API functions operate on, set by Handler. Sherpa sections cannot
// have fields, so it is kept at package level.
var adminHost atomic.Pointer[service.Host]

var cidGen atomic.Int64

func init() {
	cidGen.Store(time.Now().UnixMilli())
}

// Admin exports web API functions for the admin listener. All its methods are
// exported under /api/.
type Admin struct{}

// Handler returns the handler for the admin listener, serving the API for h and
// metrics.
func Handler(h *service.Host) (http.Handler, error) {
	adminHost.Store(h)

	apiHandler, err := sherpa.NewHandler("/api/", opaquevar.Version, Admin{}, &adminDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), mlog.CidKey, cidGen.Add(1))
		apiHandler.ServeHTTP(w, r.WithContext(ctx))
	}))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "opaquemail %s\n\nadmin api at /api/, prometheus metrics at /metrics\n", opaquevar.Version)
	}))
	return mux, nil
}

// Serve serves handler on ln until ctx is canceled.
func Serve(ctx context.Context, log mlog.Log, ln net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Logger.Handler(), mlog.LevelDebug),
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(sctx)
		log.Check(err, "shutting down admin listener")
	}()
	log.Print("serving admin api and metrics", slog.Any("addr", ln.Addr()))
	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func xhost(ctx context.Context) *service.Host {
	h := adminHost.Load()
	if h == nil {
		panic(&sherpa.Error{Code: "server:error", Message: "no relays running"})
	}
	return h
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// logPanic can be called with a defer to log a panic and continue.
func logPanic(ctx context.Context) {
	x := recover()
	if x == nil {
		return
	}
	if _, ok := x.(*sherpa.Error); ok {
		panic(x)
	}
	log := pkglog.WithContext(ctx)
	log.Error("recover from panic", slog.Any("panic", x))
	debug.PrintStack()
	metrics.PanicInc("webadmin")
	panic(&sherpa.Error{Code: "server:panic", Message: fmt.Sprintf("%v", x)})
}

// Relays returns the status of all relays, sorted by name.
func (Admin) Relays(ctx context.Context) []imapproxy.Status {
	return xhost(ctx).Status()
}

func xscope(ctx context.Context, s string) certstore.Scope {
	scope, err := certstore.ParseScope(s)
	xcheckuserf(ctx, err, "parsing scope")
	return scope
}

// Certificates returns the certificates in the store for scope, most recently
// added first. An empty scope lists certificates of all scopes.
func (Admin) Certificates(ctx context.Context, scope string) []certstore.Certificate {
	var sc certstore.Scope
	if scope != "" {
		sc = xscope(ctx, scope)
	}
	l, err := xhost(ctx).Store.List(ctx, sc)
	xcheckf(ctx, err, "listing certificates")
	return l
}

// CertificateImport installs the PEM-encoded certificates into scope. The
// certificates are returned, including those that were already present.
func (Admin) CertificateImport(ctx context.Context, scope string, pemData string) []certstore.Certificate {
	defer logPanic(ctx)

	sc := xscope(ctx, scope)
	certs, err := certstore.ParsePEM([]byte(pemData))
	xcheckuserf(ctx, err, "parsing certificates")

	store := xhost(ctx).Store
	l := []certstore.Certificate{}
	for _, cert := range certs {
		c, _, err := store.Install(ctx, cert, sc, "admin")
		xcheckf(ctx, err, "installing certificate")
		l = append(l, c)
	}
	return l
}

// CertificateRemove removes a certificate from the store.
func (Admin) CertificateRemove(ctx context.Context, id int64) {
	err := xhost(ctx).Store.Remove(ctx, id)
	if errors.Is(err, bstore.ErrAbsent) {
		panic(&sherpa.Error{Code: "user:notFound", Message: "certificate not found"})
	}
	xcheckf(ctx, err, "removing certificate")
}

// LogLevels returns the current log levels.
func (Admin) LogLevels(ctx context.Context) map[string]string {
	m := map[string]string{}
	for pkg, level := range xhost(ctx).Config.LogLevels() {
		m[pkg] = mlog.LevelStrings[level]
	}
	return m
}

// LogLevelSet sets a log level for a package.
func (Admin) LogLevelSet(ctx context.Context, pkg string, levelStr string) {
	level, ok := mlog.Levels[levelStr]
	if !ok {
		xcheckuserf(ctx, errors.New("unknown"), "lookup level")
	}
	xhost(ctx).Config.LogLevelSet(pkglog.WithContext(ctx), pkg, level)
}

// LogLevelRemove removes a log level for a package, which cannot be the empty string.
func (Admin) LogLevelRemove(ctx context.Context, pkg string) {
	if pkg == "" {
		xcheckuserf(ctx, errors.New("cannot remove default log level"), "remove log level")
	}
	xhost(ctx).Config.LogLevelRemove(pkglog.WithContext(ctx), pkg)
}
