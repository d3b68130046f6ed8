package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/exp/slices"

	"github.com/mjl-/sconf"
	"github.com/mjl-/sherpa/client"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/imapclient"
	"github.com/bertjohnson/OpaqueMail-sub001/imapproxy"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/opaquevar"
	"github.com/bertjohnson/OpaqueMail-sub001/service"
)

var configPath string

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"relay list", cmdRelayList},
	{"relay status", cmdRelayStatus},
	{"relay check", cmdRelayCheck},
	{"relay mailboxes", cmdRelayMailboxes},
	{"certs list", cmdCertsList},
	{"certs import", cmdCertsImport},
	{"certs remove", cmdCertsRemove},
	{"loglevels", cmdLoglevels},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"help", cmdHelp},
	{"version", cmdVersion},

	// Not listed.
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("opaquemail "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "opaquemail " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "opaquemail " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# opaquemail %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "opaquemail [-config config/opaquemail.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"opaquemail"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty is interpreted as info.

// Commands other than "serve" use this function to load the config. The log
// level from the command-line is kept instead of the levels from the config
// file, and no certificates are generated or requested.
func mustLoadConfig(c *cmd) *service.Config {
	conf, errs := service.ParseConfig(context.Background(), c.log, configPath, true)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Printf("%s", err)
		}
		log.Fatalf("loading config file %s failed", configPath)
	}
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	level, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
	conf.Log = map[string]slog.Level{"": level}
	mlog.SetConfig(conf.Log)
	return conf
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("OPAQUEMAILCONF", filepath.FromSlash("config/opaquemail.conf")), "configuration file, other files are looked up relative to its directory, defaults to $OPAQUEMAILCONF with a fallback to config/opaquemail.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	defer profile(cpuprofile, memprofile, tracefile)()

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig may be called again when subcommands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("opaquemail "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this opaquemail version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(opaquevar.Version)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := service.ParseConfig(context.Background(), c.log, configPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">opaquemail.conf"
	c.help = `Prints an annotated empty configuration for use as opaquemail.conf.

The configuration file is only read at startup. Opaquemail has to be restarted
for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdRelayList(c *cmd) {
	c.help = `Lists the configured relays with their local and remote addresses.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig(c)

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "name\tlocal\tlocal tls\tremote\tremote tls")
	for _, name := range conf.RelayNames() {
		r := conf.Static.Relays[name]
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%v\n", name, net.JoinHostPort(r.LocalIP, strconv.Itoa(r.LocalPort)), r.LocalTLS != nil, net.JoinHostPort(r.RemoteHost, strconv.Itoa(service.RemotePort(r))), r.RemoteTLS)
	}
	err := tw.Flush()
	xcheckf(err, "write")
}

func cmdRelayStatus(c *cmd) {
	c.help = `Prints the status of the relays of a running opaquemail, through the admin API.

Requires the Admin listener to be configured.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig(c)

	var l []imapproxy.Status
	adminCall(conf, "Relays", &l)

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "name\taddr\tremote\tconns\ttotal\tto server\tto client\tlast throttled")
	for _, st := range l {
		throttled := "-"
		if !st.LastThrottled.IsZero() {
			throttled = st.LastThrottled.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n", st.Name, st.Addr, st.Remote, st.Connections, st.TotalConnections, st.BytesToServer, st.BytesToClient, throttled)
	}
	err := tw.Flush()
	xcheckf(err, "write")
}

func relayCheckFlags(c *cmd) (viaRelay *bool, authMode *string) {
	viaRelay = c.flag.Bool("viarelay", false, "connect through the local address of the relay instead of directly to the remote server, the relay must be running")
	authMode = c.flag.String("auth", "login", "authentication mechanism: login, plain or cram-md5")
	return
}

func relayCheckOpts(viaRelay bool, authMode string) service.CheckOpts {
	mode, err := imapclient.ParseAuthMode(authMode)
	xcheckf(err, "parsing authentication mode")
	return service.CheckOpts{ViaRelay: viaRelay, AuthMode: mode}
}

func cmdRelayCheck(c *cmd) {
	c.params = "[-viarelay] [-auth mechanism] relay"
	c.help = `Verifies a relay by logging in to its IMAP server and examining the inbox.

The account from the Username and Password fields of the relay is used. With
-viarelay, the connection is made to the local address of the relay, which must
be running, testing the full path. Otherwise the remote server is contacted
directly.
`
	viaRelay, authMode := relayCheckFlags(c)
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	conf := mustLoadConfig(c)
	opts := relayCheckOpts(*viaRelay, *authMode)

	result, err := service.CheckRelay(context.Background(), c.log, conf, args[0], opts)
	xcheckf(err, "checking relay")
	fmt.Printf("address: %s\n", result.Addr)
	fmt.Printf("greeting: %s\n", result.Welcome)
	fmt.Printf("capabilities: %s\n", result.Capabilities)
	fmt.Printf("inbox: %d messages, %d recent, uidvalidity %d, uidnext %d\n", result.Inbox.Exists, result.Inbox.Recent, result.Inbox.UIDValidity, result.Inbox.UIDNext)
	fmt.Printf("duration: %s\n", result.Duration.Round(time.Millisecond))
}

func cmdRelayMailboxes(c *cmd) {
	c.params = "[-viarelay] [-auth mechanism] relay [pattern]"
	c.help = `Lists mailboxes of the account of a relay, with message counts.

Pattern is a LIST pattern, "*" by default.
`
	viaRelay, authMode := relayCheckFlags(c)
	args := c.Parse()
	if len(args) != 1 && len(args) != 2 {
		c.Usage()
	}
	pattern := "*"
	if len(args) == 2 {
		pattern = args[1]
	}
	conf := mustLoadConfig(c)
	opts := relayCheckOpts(*viaRelay, *authMode)

	s, err := service.Dial(context.Background(), c.log, conf, args[0], opts)
	xcheckf(err, "connecting")
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing session")
	}()

	l, err := s.List("", pattern)
	xcheckf(err, "listing mailboxes")
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "mailbox\tmessages\tunseen\tattributes")
	for _, mb := range l {
		if slices.ContainsFunc(mb.Attributes, func(s string) bool { return strings.EqualFold(s, `\Noselect`) }) {
			fmt.Fprintf(tw, "%s\t-\t-\t%s\n", mb.Name, strings.Join(mb.Attributes, " "))
			continue
		}
		st, err := s.Status(mb.Name)
		xcheckf(err, "status for mailbox %q", mb.Name)
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", mb.Name, st.Exists, st.Unseen, strings.Join(mb.Attributes, " "))
	}
	err = tw.Flush()
	xcheckf(err, "write")
	err = s.Logout()
	xcheckf(err, "logout")
}

// withCertStore calls fn with the certificate store of the data directory. Only
// used without admin listener: the store cannot be opened while opaquemail serve
// has it open.
func withCertStore(c *cmd, conf *service.Config, fn func(s *certstore.Store)) {
	ctx := context.Background()
	s, err := certstore.Open(ctx, c.log, conf.DataDirPath("certs.db"))
	xcheckf(err, "opening certificate store")
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing certificate store")
	}()
	fn(s)
}

func printCertificates(l []certstore.Certificate) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tscope\tsubject\temails\tnot after\tsource\tfingerprint")
	for _, cert := range l {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", cert.ID, cert.Scope, cert.Subject, strings.Join(cert.Emails, ","), cert.NotAfter.Format("2006-01-02"), cert.Source, cert.Fingerprint)
	}
	err := tw.Flush()
	xcheckf(err, "write")
}

func cmdCertsList(c *cmd) {
	c.params = "[-scope user|machine]"
	c.help = `Lists certificates in the certificate store.

Certificates are added when S/MIME signed messages pass through a relay, or
with "opaquemail certs import". Without -scope, certificates of all scopes are
listed. If an admin listener is configured, the running opaquemail is asked
for the certificates, otherwise the store is opened directly.
`
	var scope string
	c.flag.StringVar(&scope, "scope", "", "only list certificates in this scope")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig(c)
	if scope != "" {
		_, err := certstore.ParseScope(scope)
		xcheckf(err, "parsing scope")
	}

	if conf.Static.Admin != nil {
		var l []certstore.Certificate
		adminCall(conf, "Certificates", &l, scope)
		printCertificates(l)
		return
	}
	withCertStore(c, conf, func(s *certstore.Store) {
		var sc certstore.Scope
		if scope != "" {
			sc = certstore.Scope(scope)
		}
		l, err := s.List(context.Background(), sc)
		xcheckf(err, "listing certificates")
		printCertificates(l)
	})
}

func cmdCertsImport(c *cmd) {
	c.params = "[-scope user|machine] file.pem"
	c.help = `Imports the certificates from a PEM file into the certificate store.

Certificates that are already present are not added again. The scope defaults to
the CertStoreScope from the configuration file.
`
	var scope string
	c.flag.StringVar(&scope, "scope", "", "scope to install the certificates in")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	conf := mustLoadConfig(c)
	if scope == "" {
		scope = string(conf.Scope)
	}
	sc, err := certstore.ParseScope(scope)
	xcheckf(err, "parsing scope")

	buf, err := os.ReadFile(args[0])
	xcheckf(err, "reading pem file")

	if conf.Static.Admin != nil {
		var l []certstore.Certificate
		adminCall(conf, "CertificateImport", &l, string(sc), string(buf))
		printCertificates(l)
		return
	}
	certs, err := certstore.ParsePEM(buf)
	xcheckf(err, "parsing certificates")
	withCertStore(c, conf, func(s *certstore.Store) {
		var l []certstore.Certificate
		for _, cert := range certs {
			ic, installed, err := s.Install(context.Background(), cert, sc, "import")
			xcheckf(err, "installing certificate")
			if !installed {
				log.Printf("certificate %s already present", ic.Fingerprint)
			}
			l = append(l, ic)
		}
		printCertificates(l)
	})
}

func cmdCertsRemove(c *cmd) {
	c.params = "id"
	c.help = `Removes a certificate from the certificate store by its id, see "certs list".`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing id")
	conf := mustLoadConfig(c)

	if conf.Static.Admin != nil {
		adminCall(conf, "CertificateRemove", nil, id)
		return
	}
	withCertStore(c, conf, func(s *certstore.Store) {
		err := s.Remove(context.Background(), id)
		xcheckf(err, "removing certificate")
	})
}

func cmdLoglevels(c *cmd) {
	c.params = "[level [pkg]]"
	c.help = `Print the log levels, or set a new default log level, or a level for the given package.

By default, a single log level applies to all logging in opaquemail. But for
each "pkg", an overriding log level can be configured. Examples of packages:
imapproxy, imapclient, certstore, autotls, webadmin, service.

Specify a pkg and an empty level to clear the configured level for a package.

Valid labels: error, info, debug, trace, traceauth, tracedata.

Log levels are changed in the running opaquemail through the admin API, and
are not persisted in the configuration file.
`
	args := c.Parse()
	if len(args) > 2 {
		c.Usage()
	}
	conf := mustLoadConfig(c)

	if len(args) == 0 {
		var m map[string]string
		adminCall(conf, "LogLevels", &m)
		pkgs := make([]string, 0, len(m))
		for pkg := range m {
			pkgs = append(pkgs, pkg)
		}
		slices.Sort(pkgs)
		for _, pkg := range pkgs {
			name := pkg
			if name == "" {
				name = "(default)"
			}
			fmt.Printf("%s: %s\n", name, m[pkg])
		}
		return
	}

	var pkg string
	if len(args) == 2 {
		pkg = args[1]
	}
	if args[0] == "" {
		adminCall(conf, "LogLevelRemove", nil, pkg)
	} else {
		adminCall(conf, "LogLevelSet", nil, pkg, args[0])
	}
}

// adminCall calls function fn of the admin API of the running opaquemail with
// params, storing the result in result if not nil. Errors are fatal.
func adminCall(conf *service.Config, fn string, result any, params ...any) {
	c, err := adminClient(conf)
	xcheckf(err, "connecting to admin api")
	err = c.Call(context.Background(), result, fn, params...)
	xcheckf(err, "calling %s", fn)
}

// adminClient returns a sherpa client for the admin listener from the config.
func adminClient(conf *service.Config) (*client.Client, error) {
	a := conf.Static.Admin
	if a == nil {
		return nil, errors.New("no admin listener configured")
	}
	ip := a.IP
	if ip == "0.0.0.0" || ip == "::" {
		ip = "127.0.0.1"
	}
	return apiClient(fmt.Sprintf("http://%s/api/", net.JoinHostPort(ip, strconv.Itoa(config.Port(a.Port, 1143)))))
}

// apiClient fetches the function list of the sherpa API at baseURL, and returns
// a client with a timeout for calls.
func apiClient(baseURL string) (*client.Client, error) {
	c, err := client.New(baseURL, nil)
	if err != nil {
		return nil, err
	}
	c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	return c, nil
}
