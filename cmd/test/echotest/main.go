package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Name        string        `long:"name" default:"echotest" description:"prefix for every printed line"`
	Lines       int           `long:"lines" default:"5" description:"lines to print before exiting, 0 prints until signalled"`
	Interval    time.Duration `long:"interval" default:"100ms" description:"delay between lines"`
	ExitCode    int           `long:"exit-code" description:"exit code once every line is printed"`
	SignalCode  int           `long:"signal-code" description:"exit code on SIGINT or SIGTERM, 128+signal when 0"`
	IgnoreTerm  bool          `long:"ignore-term" description:"keep running after SIGTERM (tests the kill fallback)"`
	StderrEvery int           `long:"stderr-every" description:"write every nth line to stderr"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	fmt.Printf("%s: ready, pid: %d\n", opts.Name, os.Getpid())

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for i := 1; opts.Lines == 0 || i <= opts.Lines; {
		select {
		case received := <-sig:
			fmt.Printf("%s: received signal: %v\n", opts.Name, received)
			if opts.IgnoreTerm && received == syscall.SIGTERM {
				continue
			}
			os.Exit(signalExitCode(opts, received))
		case <-ticker.C:
			out := os.Stdout
			if opts.StderrEvery > 0 && i%opts.StderrEvery == 0 {
				out = os.Stderr
			}
			fmt.Fprintf(out, "%s: line %d\n", opts.Name, i)
			i++
		}
	}

	fmt.Printf("%s: done, exit code: %d\n", opts.Name, opts.ExitCode)
	os.Exit(opts.ExitCode)
}

func signalExitCode(opts flagOptions, received os.Signal) int {
	if opts.SignalCode != 0 {
		return opts.SignalCode
	}
	if s, ok := received.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
