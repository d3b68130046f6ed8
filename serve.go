package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bertjohnson/OpaqueMail-sub001/config"
	"github.com/bertjohnson/OpaqueMail-sub001/dns"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/opaquevar"
	"github.com/bertjohnson/OpaqueMail-sub001/service"
	"github.com/bertjohnson/OpaqueMail-sub001/webadmin"
)

func cmdServe(c *cmd) {
	c.help = `Start opaquemail, serving all configured relays.

A relay accepts IMAP connections from mail clients on a local address, and
forwards them to a remote IMAP server. Messages with S/MIME signatures that pass
through have their signing certificates imported into the certificate store.

If an Admin listener is configured, the admin API and prometheus metrics are
served on it.

Opaquemail shuts down on SIGINT or SIGTERM, closing listeners and waiting for
relayed connections up to a few seconds.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := service.MustLoad(ctx, log, configPath)
	if loglevel != "" {
		conf.LogLevelSet(log, "", mlog.Levels[loglevel])
	}
	log.Print("starting opaquemail", slog.String("version", opaquevar.Version), slog.String("config", configPath))

	host, err := service.NewHost(ctx, log, conf, service.Opts{Resolver: dns.StrictResolver{Pkg: "imapproxy"}})
	if err != nil {
		log.Fatalx("starting relays", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return host.Run(gctx)
	})
	if a := conf.Static.Admin; a != nil {
		addr := net.JoinHostPort(a.IP, strconv.Itoa(config.Port(a.Port, 1143)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			host.Stop()
			log.Fatalx("listen for admin", err, slog.String("addr", addr))
		}
		handler, err := webadmin.Handler(host)
		if err != nil {
			host.Stop()
			log.Fatalx("admin handler", err)
		}
		g.Go(func() error {
			return webadmin.Serve(gctx, log, ln, handler)
		})
	}
	log.Print("ready to serve")

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case sig := <-sigc:
		log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
		cancel()
		select {
		case err := <-done:
			log.Check(err, "shutdown")
		case <-time.After(3 * time.Second):
			log.Print("shutting down with pending connections")
		}
		if num, ok := sig.(syscall.Signal); ok {
			os.Exit(int(num))
		}
		os.Exit(1)
	case err := <-done:
		if err != nil {
			log.Fatalx("serving", err)
		}
	}
}
