package main

import (
	"context"
	"errors"
	"flag"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sammck-go/msgport/internal/config"
	"github.com/sammck-go/msgport/pkg/msgnet"
	"github.com/sammck-go/msgport/pkg/remote"
	"golang.org/x/sync/errgroup"
)

func serve(ctx context.Context, g *globals, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsAddr := flags.String("metrics", "", "serve prometheus metrics on this host:port")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return g.lg.Errorf("serve needs exactly one address")
	}
	addr, err := msgnet.ParseAddress(flags.Arg(0))
	if err != nil {
		return err
	}
	lg := g.lg.ForkLog("serve")
	msgnet.RegisterMetrics()

	api := &API{CounterInstance: &Counter{}}
	var s *msgnet.Server
	s = msgnet.NewServer(lg, g.cfg.NetConfig(), nil, func(c msgnet.ServedConnection) {
		if _, err := remote.Expose(lg, api, c.Port(), c.Broker()); err != nil {
			lg.WLogf("Could not expose counter: %s", err)
			c.Close()
			return
		}
		if addr.Scheme == msgnet.SchemeStdio {
			// a stdio server has exactly one connection
			go func() {
				c.WaitShutdown()
				s.Close()
			}()
		}
	})
	s.Handle("/metrics", promhttp.Handler())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.Run(ctx, addr)
	})
	if *metricsAddr != "" {
		eg.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return msgnet.NewHTTPServer(lg).ListenAndServe(ctx, *metricsAddr, mux)
		})
	}
	if g.configPath != "" {
		eg.Go(func() error {
			err := config.WatchLogLevel(ctx, g.lg, g.configPath)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		})
	}
	return eg.Wait()
}
