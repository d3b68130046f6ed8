// Package service loads the configuration and runs the configured relays.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mjl-/sconf"

	"github.com/bertjohnson/OpaqueMail-sub001/autotls"
	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/dns"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
)

var pkglog = mlog.New("service", nil)

// Config is a loaded configuration file, with the log levels currently in effect.
type Config struct {
	Static config.Static

	// Path of the config file, relative paths in the config are resolved against
	// its directory.
	Path string

	Scope certstore.Scope

	logMutex sync.Mutex
	Log      map[string]slog.Level
}

// ConfigDirPath returns f when absolute, and otherwise f relative to the
// directory of the config file.
func (c *Config) ConfigDirPath(f string) string {
	return configDirPath(c.Path, f)
}

// DataDirPath returns f when absolute, and otherwise f relative to the data
// directory, which itself is relative to the config directory.
func (c *Config) DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return configDirPath(c.Path, filepath.Join(c.Static.DataDir, f))
}

func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

// RelayNames returns the configured relays, sorted.
func (c *Config) RelayNames() []string {
	l := maps.Keys(c.Static.Relays)
	slices.Sort(l)
	return l
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// level.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

// LogLevelRemove removes a configured log level for a package.
func (c *Config) LogLevelRemove(log mlog.Log, pkg string) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	delete(l, pkg)
	c.Log = l
	log.Print("log level cleared", slog.String("pkg", pkg))
	mlog.SetConfig(c.Log)
}

// must be called with lock held.
func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// MustLoad parses the config file at p and sets the log levels, quitting on
// errors.
func MustLoad(ctx context.Context, log mlog.Log, p string) *Config {
	c, errs := ParseConfig(ctx, log, p, false)
	if len(errs) > 1 {
		log.Error("loading config file: multiple errors")
		for _, err := range errs {
			log.Errorx("config error", err)
		}
		log.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		log.Fatalx("loading config file", errs[0])
	}
	mlog.SetConfig(c.Log)
	return c
}

// ParseConfig parses the config file at p. If checkOnly is set, nothing is
// written to disk and no ACME account is loaded. When not checking, ctx must
// live as long as the returned configuration is used: when it is canceled, no
// new ACME certificates are requested.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Path: p,
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("OPAQUEMAILCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use opaquemail -config ... or set OPAQUEMAILCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config and fills in the derived fields,
// like TLS configs for relays.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.CertStoreScope == "" {
		conf.Scope = certstore.ScopeUser
	} else if scope, err := certstore.ParseScope(c.CertStoreScope); err != nil {
		addErrorf("certificate store scope: %v", err)
	} else {
		conf.Scope = scope
	}

	type addr struct {
		ip   string
		port int
	}
	used := map[addr]string{}
	checkAddr := func(what, ip string, port int) {
		if net.ParseIP(ip) == nil {
			addErrorf("%s: invalid ip %q", what, ip)
			return
		}
		if port <= 0 || port > 65535 {
			addErrorf("%s: invalid port %d", what, port)
			return
		}
		k := addr{net.ParseIP(ip).String(), port}
		if other, ok := used[k]; ok {
			addErrorf("%s: address %s already used by %s", what, net.JoinHostPort(ip, fmt.Sprintf("%d", port)), other)
			return
		}
		used[k] = what
	}

	if c.Admin != nil {
		checkAddr("admin", c.Admin.IP, config.Port(c.Admin.Port, 1143))
	}

	if c.ACME != nil {
		acme := c.ACME
		if acme.DirectoryURL == "" {
			addErrorf("acme: missing directory url")
		}
		if acme.ContactEmail == "" {
			addErrorf("acme: missing contact email")
		}
		hosts := map[dns.Domain]struct{}{}
		acme.HostnameDomains = nil
		for _, h := range acme.Hostnames {
			d, err := dns.ParseDomain(h)
			if err != nil {
				addErrorf("acme: parsing hostname %q: %v", h, err)
				continue
			}
			acme.HostnameDomains = append(acme.HostnameDomains, d)
			hosts[d] = struct{}{}
		}
		if len(hosts) == 0 {
			addErrorf("acme: no hostnames configured")
		}
		if !checkOnly && len(errs) == 0 {
			acmeDir := conf.DataDirPath("acme")
			if err := os.MkdirAll(acmeDir, 0770); err != nil {
				addErrorf("acme: making acme dir: %v", err)
			} else if manager, err := autotls.Load("opaquemail", acmeDir, acme.ContactEmail, acme.DirectoryURL, ctx.Done()); err != nil {
				addErrorf("acme: loading manager: %v", err)
			} else {
				manager.SetAllowedHostnames(log, hosts)
				acme.Manager = manager
			}
		}
	}

	if len(c.Relays) == 0 {
		addErrorf("no relays configured")
	}
	for _, name := range conf.RelayNames() {
		r := c.Relays[name]
		addRelayErrorf := func(format string, args ...any) {
			addErrorf("relay %s: %s", name, fmt.Sprintf(format, args...))
		}

		if r.LocalIP == "" {
			r.LocalIP = "127.0.0.1"
		}
		checkAddr("relay "+name, r.LocalIP, r.LocalPort)

		if r.RemoteHost == "" {
			addRelayErrorf("missing remote host")
		} else if net.ParseIP(r.RemoteHost) == nil {
			d, err := dns.ParseDomain(r.RemoteHost)
			if err != nil {
				addRelayErrorf("parsing remote host: %v", err)
			}
			r.RemoteDomain = d
		}
		if r.RemotePort < 0 || r.RemotePort > 65535 {
			addRelayErrorf("invalid remote port %d", r.RemotePort)
		}
		if r.Timeout < 0 {
			addRelayErrorf("negative timeout")
		}
		if !r.RemoteTLS && r.RemoteTLSSkipVerify {
			addRelayErrorf("RemoteTLSSkipVerify set without RemoteTLS")
		}
		if (r.Username == "") != (r.Password == "") {
			addRelayErrorf("username and password must both be set or both be empty")
		}

		if r.LocalTLS != nil {
			if err := prepareLocalTLS(log, conf, r.LocalTLS, checkOnly); err != nil {
				addRelayErrorf("local tls: %v", err)
			}
		}
		c.Relays[name] = r
	}

	return errs
}
