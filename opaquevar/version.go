// Package opaquevar provides the version of an opaquemail build.
package opaquevar

import (
	"runtime/debug"
)

// Version is set at runtime based on the Go module used to build.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" {
		return
	}
	var rev, modified string
	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev == "" {
		return
	}
	Version = rev
	if modified == "true" {
		Version += "+modifications"
	} else if modified != "false" {
		Version += "+unknown"
	}
}
