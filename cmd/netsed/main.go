// Command netsed is a transparent stream/datagram proxy that forwards
// bytes between a client and an upstream server while applying ordered
// byte-pattern substitution rules to every payload in flight.
//
//	netsed <proto> <lport> <rhost> <rport> <rule1> [<rule2> ...]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/netsed/netsed-go/internal/config"
	"github.com/netsed/netsed-go/internal/dispatcher"
	"github.com/netsed/netsed-go/internal/logger"
	"github.com/netsed/netsed-go/internal/pcaptrace"
	"github.com/netsed/netsed-go/internal/resolve"
	"github.com/netsed/netsed-go/internal/rule"
	"github.com/netsed/netsed-go/internal/version"
)

const usage = `netsed %s - transparent proxy with byte-pattern substitution

Usage:
  netsed <proto> <lport> <rhost> <rport> <rule1> [<rule2> ...]

  proto   tcp or udp
  lport   local port to listen on
  rhost   upstream host, or 0 for the connection's original destination
  rport   upstream port, or 0 for the connection's original destination
  ruleN   s/pat/repl[/count]   (%%HH hex escapes, %%%% for a literal %%)

  netsed -version      print the version and exit
  netsed -h|-help      print this message and exit
`

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "-version":
			fmt.Printf("netsed %s\n", version.GetVersion())
			return 0
		case "-h", "-help", "--help":
			fmt.Printf(usage, version.GetVersion())
			return 0
		}
	}

	if len(os.Args) < 6 {
		fmt.Fprintf(os.Stderr, usage, version.GetVersion())
		fmt.Fprintln(os.Stderr, "\nerror: at least 5 arguments required (proto lport rhost rport rule1)")
		return 1
	}

	lport, rhost, rportStr := os.Args[2], os.Args[3], os.Args[4]
	ruleArgs := os.Args[5:]

	proto := strings.ToLower(os.Args[1])
	if proto != "tcp" && proto != "udp" {
		fmt.Fprintf(os.Stderr, "error: proto must be tcp or udp, got %q\n", os.Args[1])
		return 1
	}

	rules, err := rule.ParseAll(ruleArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}

	override := resolve.Override{}
	if resolve.HostIsOverride(rhost) {
		override.Host = rhost
	}
	rport, err := strconv.Atoi(rportStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid rport %q\n", rportStr)
		return 1
	}
	if rport != 0 {
		override.Port = rport
	}

	// Broken-pipe delivery is suppressed globally so that writes to a
	// peer-closed socket surface only as error returns, per spec.md §7.
	signal.Ignore(syscall.SIGPIPE)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}

	log, err := logger.New(logger.Config{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		ConsoleOutput: cfg.Logging.ConsoleOutput,
		ConsoleLevel:  cfg.Logging.ConsoleLevel,
		ConsoleFormat: cfg.Logging.ConsoleFormat,
		File:          cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}

	var pcapWriter *pcaptrace.Writer
	if cfg.PCAP.Enabled && cfg.PCAP.OutputFile != "" {
		pcapWriter, err = pcaptrace.NewWriter(cfg.PCAP.OutputFile, cfg.PCAP.MaxSizeMB, cfg.PCAP.MaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			return 2
		}
	}

	capability := transparentCapability()

	disp, err := dispatcher.New(dispatcher.Config{
		Proto:      proto,
		ListenPort: lport,
		Rules:      rules,
		Override:   override,
		Capability: capability,
		ReadBuffer: cfg.Dispatch.ReadBufferBytes,
		PCAP:       pcapWriter,
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := disp.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}
	return 0
}
