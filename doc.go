/*
Command opaquemail relays IMAP connections of mail clients to remote IMAP
servers, importing the signing certificates of S/MIME signed messages that pass
through into a certificate store.

  - One or more relays, each listening on a local address and forwarding to a
    remote IMAP server, with or without TLS on either side.
  - TLS for mail clients with configured certificates, self-signed
    certificates or automatic TLS with ACME and Let's Encrypt.
  - Client access control by IP, and limits on connection rates.
  - A library for IMAP clients, package imapclient.
  - Admin API and prometheus metrics over HTTP.

# Commands

	opaquemail [-config config/opaquemail.conf] [-loglevel level] ...
	opaquemail serve
	opaquemail relay list
	opaquemail relay status
	opaquemail relay check [-viarelay] [-auth mechanism] relay
	opaquemail relay mailboxes [-viarelay] [-auth mechanism] relay [pattern]
	opaquemail certs list [-scope user|machine]
	opaquemail certs import [-scope user|machine] file.pem
	opaquemail certs remove id
	opaquemail loglevels [level [pkg]]
	opaquemail config test
	opaquemail config describe >opaquemail.conf
	opaquemail help [command ...]
	opaquemail version

Commands that change a running opaquemail, such as "loglevels" and "relay
status", use the admin API, which must be enabled in the configuration file.
Specify the configuration file through the -config flag or OPAQUEMAILCONF
environment variable.

# opaquemail serve

Start opaquemail, serving all configured relays.

A relay accepts IMAP connections from mail clients on a local address, and
forwards them to a remote IMAP server. Messages with S/MIME signatures that pass
through have their signing certificates imported into the certificate store.

If an Admin listener is configured, the admin API and prometheus metrics are
served on it.

Opaquemail shuts down on SIGINT or SIGTERM, closing listeners and waiting for
relayed connections up to a few seconds.

	usage: opaquemail serve

# opaquemail relay list

Lists the configured relays with their local and remote addresses.

	usage: opaquemail relay list

# opaquemail relay status

Prints the status of the relays of a running opaquemail, through the admin API.

Requires the Admin listener to be configured.

	usage: opaquemail relay status

# opaquemail relay check

Verifies a relay by logging in to its IMAP server and examining the inbox.

The account from the Username and Password fields of the relay is used. With
-viarelay, the connection is made to the local address of the relay, which must
be running, testing the full path. Otherwise the remote server is contacted
directly.

	usage: opaquemail relay check [-viarelay] [-auth mechanism] relay
	  -auth string
	    	authentication mechanism: login, plain or cram-md5 (default "login")
	  -viarelay
	    	connect through the local address of the relay instead of directly to the remote server, the relay must be running

# opaquemail relay mailboxes

Lists mailboxes of the account of a relay, with message counts.

Pattern is a LIST pattern, "*" by default.

	usage: opaquemail relay mailboxes [-viarelay] [-auth mechanism] relay [pattern]
	  -auth string
	    	authentication mechanism: login, plain or cram-md5 (default "login")
	  -viarelay
	    	connect through the local address of the relay instead of directly to the remote server, the relay must be running

# opaquemail certs list

Lists certificates in the certificate store.

Certificates are added when S/MIME signed messages pass through a relay, or
with "opaquemail certs import". Without -scope, certificates of all scopes are
listed. If an admin listener is configured, the running opaquemail is asked
for the certificates, otherwise the store is opened directly.

	usage: opaquemail certs list [-scope user|machine]
	  -scope string
	    	only list certificates in this scope

# opaquemail certs import

Imports the certificates from a PEM file into the certificate store.

Certificates that are already present are not added again. The scope defaults to
the CertStoreScope from the configuration file.

	usage: opaquemail certs import [-scope user|machine] file.pem
	  -scope string
	    	scope to install the certificates in

# opaquemail certs remove

Removes a certificate from the certificate store by its id, see "certs list".

	usage: opaquemail certs remove id

# opaquemail loglevels

Print the log levels, or set a new default log level, or a level for the given package.

By default, a single log level applies to all logging in opaquemail. But for
each "pkg", an overriding log level can be configured. Examples of packages:
imapproxy, imapclient, certstore, autotls, webadmin, service.

Specify a pkg and an empty level to clear the configured level for a package.

Valid labels: error, info, debug, trace, traceauth, tracedata.

Log levels are changed in the running opaquemail through the admin API, and
are not persisted in the configuration file.

	usage: opaquemail loglevels [level [pkg]]

# opaquemail config test

Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.

	usage: opaquemail config test

# opaquemail config describe

Prints an annotated empty configuration for use as opaquemail.conf.

The configuration file is only read at startup. Opaquemail has to be restarted
for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.

	usage: opaquemail config describe >opaquemail.conf

# opaquemail help

Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.

	usage: opaquemail help [command ...]

# opaquemail version

Prints this opaquemail version.

	usage: opaquemail version
*/
package main

// NOTE: DO NOT EDIT, this file is generated by gendoc.sh.
