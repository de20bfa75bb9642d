// Command tunnelctl drives a running tunneld over its management interface.
//
//	tunnelctl [-rpc ws://127.0.0.1:PORT | -rpc-address-file PATH] connect|disconnect|status|watch
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/tunneld/internal/management"
	"github.com/matst80/tunneld/internal/states"
)

var (
	rpcAddr     string
	addressFile string
	timeout     time.Duration
)

func init() {
	flag.StringVar(&rpcAddr, "rpc", "", "management websocket URL of tunneld")
	flag.StringVar(&addressFile, "rpc-address-file", "", "read the management URL from this file")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "time limit for a single call")
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tunnelctl [flags] connect|disconnect|status|watch")
		os.Exit(2)
	}
	addr, err := resolveAddress(rpcAddr, addressFile)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, addr, flag.Arg(0), os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func resolveAddress(addr, file string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	if file == "" {
		return "", errors.New("one of -rpc or -rpc-address-file is required")
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func run(ctx context.Context, addr, cmd string, out io.Writer) error {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	c, err := management.Dial(dctx, addr)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	call := func(fn func(context.Context) error) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(cctx)
	}
	switch cmd {
	case "connect", "disconnect":
		t := states.TargetSecured
		if cmd == "disconnect" {
			t = states.TargetUnsecured
		}
		return call(func(ctx context.Context) error { return c.SetTargetState(ctx, t) })
	case "status":
		return call(func(ctx context.Context) error {
			s, err := c.GetState(ctx)
			if err == nil {
				fmt.Fprintln(out, s)
			}
			return err
		})
	case "watch":
		if err := call(func(ctx context.Context) error {
			_, err := c.Subscribe(ctx)
			return err
		}); err != nil {
			return err
		}
		for {
			select {
			case s, ok := <-c.States():
				if !ok {
					return errors.New("connection to tunneld closed")
				}
				fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.RFC3339), s)
			case <-ctx.Done():
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
