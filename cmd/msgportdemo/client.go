package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/sammck-go/msgport/pkg/msgnet"
	"github.com/sammck-go/msgport/pkg/remote"
)

func client(ctx context.Context, g *globals, args []string) error {
	flags := flag.NewFlagSet("client", flag.ContinueOnError)
	n := flags.Int("n", 3, "number of increments")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return g.lg.Errorf("client needs exactly one address")
	}
	addr, err := msgnet.ParseAddress(flags.Arg(0))
	if err != nil {
		return err
	}
	lg := g.lg.ForkLog("client")
	c, err := msgnet.Dial(ctx, lg, addr, g.cfg.NetConfig(), nil)
	if err != nil {
		return err
	}
	defer c.Close()
	return drive(ctx, g, c, *n)
}

func child(ctx context.Context, g *globals, args []string) error {
	flags := flag.NewFlagSet("child", flag.ContinueOnError)
	n := flags.Int("n", 3, "number of increments")
	if err := flags.Parse(args); err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}
	lg := g.lg.ForkLog("child")
	cmd := exec.CommandContext(ctx, self, "-log", g.cfg.LogLevel.String(), "serve", "stdio")
	c, err := msgnet.NewProcessConn(lg, cmd, g.cfg.NetConfig())
	if err != nil {
		return err
	}
	defer c.Close()
	return drive(ctx, g, c, *n)
}

// drive increments the remote counter n times, then reads it back directly,
// through a callback, and through a second endpoint
func drive(ctx context.Context, g *globals, c msgnet.Connection, n int) error {
	lg := g.lg.ForkLog("drive")
	r, err := remote.Wrap(lg, c.Port(), c.Broker())
	if err != nil {
		return err
	}
	counter := r.Get("counterInstance")
	for i := 0; i < n; i++ {
		if _, err := counter.Get("add").Call(ctx); err != nil {
			return err
		}
	}
	v, err := counter.Get("get").Call(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("count: %v\n", v)

	seen := make(chan int, 1)
	_, err = counter.Get("use").Call(ctx, remote.Proxy(func(count int) error {
		seen <- count
		return nil
	}))
	if err != nil {
		lg.WLogf("Callbacks unavailable on this transport: %s", err)
	} else {
		fmt.Printf("callback saw: %d\n", <-seen)
	}

	p, err := r.CreateEndpoint(ctx)
	if err != nil {
		lg.WLogf("Extra endpoints unavailable on this transport: %s", err)
		return r.Release(ctx)
	}
	side, err := remote.Wrap(lg.ForkLog("side"), p, r.Broker())
	if err != nil {
		return err
	}
	v, err = side.Get("counterInstance", "subtract").Call(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("after subtract on second endpoint: %v\n", v)
	if err := side.Release(ctx); err != nil {
		return err
	}
	return r.Release(ctx)
}
