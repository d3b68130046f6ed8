package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// profile starts CPU profiling and execution tracing for the non-empty paths,
// and returns a function that stops them and writes a heap profile to mempath.
func profile(cpupath, mempath, tracepath string) func() {
	var stops []func()

	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "create trace file")
		err = trace.Start(f)
		xcheckf(err, "start trace")
		stops = append(stops, func() {
			trace.Stop()
			if err := f.Close(); err != nil {
				log.Printf("closing trace file: %v", err)
			}
		})
	}

	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "start cpu profile")
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			if err := f.Close(); err != nil {
				log.Printf("closing cpu profile: %v", err)
			}
		})
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		defer func() {
			if err := f.Close(); err != nil {
				log.Printf("closing memory profile: %v", err)
			}
		}()
		runtime.GC() // For up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
	}
}
