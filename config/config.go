package config

import (
	"crypto/tls"
	"time"

	"github.com/bertjohnson/OpaqueMail-sub001/autotls"
	"github.com/bertjohnson/OpaqueMail-sub001/dns"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// DefaultTimeout is the read/write timeout on relayed connections when a relay
// does not configure one.
const DefaultTimeout = 30 * time.Minute

// Static is a parsed form of the opaquemail.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the certificate store and ACME state are kept. If this is a relative path, it is relative to the directory of opaquemail.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, with traceauth also lines with passwords, and tracedata on top of that also full messages."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. imapproxy, imapclient, certstore, autotls, dns, webadmin)."`
	CertStoreScope   string            `sconf:"optional" sconf-doc:"Store to install imported S/MIME signing certificates in: user or machine. Default: user."`
	ACME             *ACME             `sconf:"optional" sconf-doc:"Automatic TLS configuration with ACME, e.g. through Let's Encrypt, for relays with LocalTLS.ACME set."`
	Admin            *Admin            `sconf:"optional" sconf-doc:"HTTP listener for the admin API and prometheus metrics. Should only be reachable from trusted networks."`
	Relays           map[string]Relay  `sconf-doc:"IMAP proxies, keyed by name. Each relay listens on a local address, and forwards connections to a remote IMAP server."`
}

type ACME struct {
	DirectoryURL string   `sconf-doc:"For letsencrypt, use https://acme-v02.api.letsencrypt.org/directory."`
	ContactEmail string   `sconf-doc:"Email address to register at ACME provider. The provider can email you when certificates are about to expire."`
	Hostnames    []string `sconf-doc:"Hostnames to request certificates for. Connections with an SNI server name not in this list are rejected."`
	Port         int      `sconf:"optional" sconf-doc:"TLS port for ACME validation, 443 by default. ACME requests arrive at port 443, configure port forwarding if you cannot listen on it directly."`

	HostnameDomains []dns.Domain     `sconf:"-" json:"-"`
	Manager         *autotls.Manager `sconf:"-" json:"-"`
}

type Admin struct {
	IP   string `sconf-doc:"IP to listen on, e.g. 127.0.0.1."`
	Port int    `sconf:"optional" sconf-doc:"Default 1143."`
}

type KeyCert struct {
	CertFile string `sconf-doc:"Certificate including intermediate CA certificates, in PEM format."`
	KeyFile  string `sconf-doc:"Private key for certificate, in PEM format. PKCS8 is recommended, but PKCS1 and EC private keys are recognized as well."`
}

type LocalTLS struct {
	KeyCerts   []KeyCert `sconf:"optional" sconf-doc:"Keys and certificates for TLS with local mail clients."`
	ACME       bool      `sconf:"optional" sconf-doc:"Request certificates through the top-level ACME configuration."`
	SelfSigned string    `sconf:"optional" sconf-doc:"If set and no KeyCerts or ACME is configured, a self-signed certificate for this hostname is generated at startup. Mail clients must be configured to accept it."`
	MinVersion string    `sconf:"optional" sconf-doc:"Minimum TLS version. Default: TLSv1.2."`

	Config *tls.Config `sconf:"-" json:"-"`
}

type Relay struct {
	AcceptedIPs         string        `sconf:"optional" sconf-doc:"Client IPs allowed to connect, separated by commas. Entries can be an IP, an IP with * wildcards (e.g. 192.168.*), a range (e.g. 10.0.0.1-10.0.0.99 or 10.0.0-3.*), * for all, or localhost for addresses of this machine. Default: localhost."`
	LocalIP             string        `sconf:"optional" sconf-doc:"IP to listen on. Default 127.0.0.1. Use 0.0.0.0 or :: to listen on all addresses."`
	LocalPort           int           `sconf-doc:"Port to listen on for IMAP connections from mail clients."`
	LocalTLS            *LocalTLS     `sconf:"optional" sconf-doc:"If set, mail clients connect with TLS."`
	RemoteHost          string        `sconf-doc:"Hostname or IP of the remote IMAP server."`
	RemotePort          int           `sconf:"optional" sconf-doc:"Port of the remote IMAP server. Default 993 with RemoteTLS, 143 otherwise."`
	RemoteTLS           bool          `sconf:"optional" sconf-doc:"Connect to the remote IMAP server with TLS."`
	RemoteTLSSkipVerify bool          `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the remote server. Dangerous, only for testing."`
	Username            string        `sconf:"optional" sconf-doc:"Account at the remote server, used by \"opaquemail relay check\" to verify the relay configuration. Mail clients still authenticate themselves."`
	Password            string        `sconf:"optional" sconf-doc:"Password for Username."`
	LogFile             string        `sconf:"optional" sconf-doc:"If set, log lines for this relay are also written to this file. The string {date} is replaced with the current date as YYYYMMDD, starting a new file each day. Relative to DataDir."`
	Timeout             time.Duration `sconf:"optional" sconf-doc:"Read/write timeout for relayed connections. Default 30m."`
	NoCertificateImport bool          `sconf:"optional" sconf-doc:"Do not import signing certificates of S/MIME signed messages passing through this relay."`

	RemoteDomain dns.Domain `sconf:"-" json:"-"` // Zero when RemoteHost is an IP.
}
