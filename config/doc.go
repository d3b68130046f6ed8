/*
Package config holds the configuration file definitions.

The configuration file, opaquemail.conf, is read once at startup. After
changes, opaquemail must be restarted for the changes to take effect.

An annotated empty config file is printed by "opaquemail config describe".
Fields named "x" are placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

A relay for a mail client on this machine, connecting with plain IMAP to
localhost port 1143, relayed to a remote server over TLS:

	DataDir: ../data
	LogLevel: info
	Relays:
		work:
			AcceptedIPs: localhost
			LocalPort: 1143
			RemoteHost: imap.example.org
			RemoteTLS: true
*/
package config
