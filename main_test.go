package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/mjl-/sherpa"

	"github.com/bertjohnson/OpaqueMail-sub001/certstore"
	"github.com/bertjohnson/OpaqueMail-sub001/mlog"
	"github.com/bertjohnson/OpaqueMail-sub001/service"
	"github.com/bertjohnson/OpaqueMail-sub001/webadmin"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// All commands must register their flags and usage before calling Parse.
func TestCommandUsage(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range cmds {
		c.gather()
		name := strings.Join(c.words, " ")
		if seen[name] {
			t.Fatalf("duplicate command %q", name)
		}
		seen[name] = true
		if c.help == "" {
			t.Fatalf("command %q without help", name)
		}
		usage := c.makeUsage()
		if !strings.HasPrefix(usage, "usage: opaquemail "+name) {
			t.Fatalf("bad usage for %q: %q", name, usage)
		}
	}
}

func TestAdminClient(t *testing.T) {
	log := mlog.New("main", nil)
	ctx := context.Background()
	orig := mlog.Config()
	defer mlog.SetConfig(orig)

	store, err := certstore.Open(ctx, log, filepath.Join(t.TempDir(), "certs.db"))
	tcheck(t, err, "open store")
	defer store.Close()

	host := &service.Host{
		Config: &service.Config{Log: map[string]slog.Level{"": mlog.LevelInfo}},
		Store:  store,
	}
	handler, err := webadmin.Handler(host)
	tcheck(t, err, "handler")
	ts := httptest.NewServer(handler)
	defer ts.Close()

	c, err := apiClient(ts.URL + "/api/")
	tcheck(t, err, "api client")
	tcompare(t, slices.Contains(c.Functions, "CertificateImport"), true)

	err = c.Call(ctx, nil, "LogLevelSet", "imapclient", "debug")
	tcheck(t, err, "set log level")

	var levels map[string]string
	err = c.Call(ctx, &levels, "LogLevels")
	tcheck(t, err, "get log levels")
	tcompare(t, levels, map[string]string{"": "info", "imapclient": "debug"})

	var certs []certstore.Certificate
	err = c.Call(ctx, &certs, "Certificates", "")
	tcheck(t, err, "list certificates")
	tcompare(t, len(certs), 0)

	// Sherpa errors are returned as *sherpa.Error.
	var serr *sherpa.Error
	err = c.Call(ctx, nil, "CertificateRemove", int64(123))
	if !errors.As(err, &serr) || serr.Code != "user:notFound" {
		t.Fatalf("got %v, expected sherpa error user:notFound", err)
	}

	err = c.Call(ctx, nil, "Certificates", "bogus")
	if !errors.As(err, &serr) || serr.Code != "user:error" {
		t.Fatalf("got %v, expected sherpa error for bad scope", err)
	}

	err = c.Call(ctx, nil, "Bogus")
	if !errors.As(err, &serr) || serr.Code != sherpa.SherpaBadFunction {
		t.Fatalf("got %v, expected sherpa error for unknown function", err)
	}

	// No API outside /api/.
	_, err = apiClient(ts.URL + "/bogus/")
	if err == nil {
		t.Fatalf("got nil, expected error for missing api")
	}
}
