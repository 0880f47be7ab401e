// Command msgportdemo serves and calls a shared counter over any msgport
// transport.
//
//	msgportdemo [-config file] [-log level] serve [-metrics host:port] <address>
//	msgportdemo [-config file] [-log level] client [-n count] <address>
//	msgportdemo [-config file] [-log level] child [-n count]
//
// Addresses are ws://host:port/path, tcp:host:port, ssh:host:port,
// yamux:host:port, udp:host:port, unix:/path or stdio. The child command starts
// "msgportdemo serve stdio" as a subprocess and talks to it over its stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/msgport/internal/config"
	"github.com/sammck-go/msgport/internal/logger"
)

var help = `
  Usage: msgportdemo [options] <command> [command options]

  Commands:
    serve <address>   expose a counter on every accepted connection
    client <address>  connect to a server and drive its counter
    child             run a server as a subprocess and drive it over stdio

  Options:
    -config  TOML configuration file, reloaded on change
    -log     log level: error, warning, info, debug or trace

  Every setting can also be given as MSGPORT_<SETTING> in the environment,
  e.g. MSGPORT_CODEC=proto.

`

type globals struct {
	lg         logger.Logger
	cfg        *config.Config
	configPath string
}

func main() {
	flags := flag.NewFlagSet("msgportdemo", flag.ExitOnError)
	configPath := flags.String("config", "", "")
	logLevel := flags.String("log", "", "")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	flags.Parse(os.Args[1:])
	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "msgportdemo: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		if err := cfg.LogLevel.FromString(*logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "msgportdemo: %v\n", err)
			os.Exit(1)
		}
	}
	lg, err := logger.New(logger.WithLogLevel(cfg.LogLevel), logger.WithPrefix("msgportdemo"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "msgportdemo: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	g := &globals{lg: lg, cfg: cfg, configPath: *configPath}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		err = serve(ctx, g, cmdArgs)
	case "client":
		err = client(ctx, g, cmdArgs)
	case "child":
		err = child(ctx, g, cmdArgs)
	default:
		flags.Usage()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		lg.ELogf("%s failed: %s", cmd, err)
		stop()
		lg.Sync()
		os.Exit(1)
	}
}
