// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Command traq queries a running traqd daemon over its Unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/traq-project/traq/lib/config"
	"github.com/traq-project/traq/lib/ipc"
	"github.com/traq-project/traq/lib/process"
	"github.com/traq-project/traq/lib/version"
	"github.com/traq-project/traq/lib/wire"
)

const usageText = `traq - query the activity tracking daemon

Usage:
  traq usage [--date YYYY-MM-DD] [--filter app|website|idle] [--top FRACTION]
  traq version

Common flags:
  --config PATH    configuration file (overrides TRAQ_CONFIG)
  --socket PATH    daemon socket path (overrides the config)
  --timeout DUR    request timeout (default 10s)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "usage":
		err = runUsage(os.Args[2:])
	case "version":
		err = runVersion(os.Args[2:])
	case "help", "--help", "-h":
		fmt.Print(usageText)
	case "--version", "-v":
		version.Print("traq")
	default:
		fmt.Fprintf(os.Stderr, "traq: unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}
	if err != nil {
		process.Fatal(err)
	}
}

// commonFlags registers the flags shared by every subcommand and
// returns the bound values.
func commonFlags(flags *pflag.FlagSet) (configPath, socketPath *string, timeout *time.Duration) {
	configPath = flags.String("config", "", "configuration file path")
	socketPath = flags.String("socket", "", "daemon socket path")
	timeout = flags.Duration("timeout", ipc.DefaultRequestTimeout, "request timeout")
	return configPath, socketPath, timeout
}

// newClient resolves the socket path (flag, then config) and builds
// the client.
func newClient(configPath, socketPath string, timeout time.Duration) (*ipc.Client, error) {
	if socketPath == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		socketPath = cfg.SocketPath()
	}
	return ipc.NewClient(socketPath, timeout), nil
}

func runUsage(args []string) error {
	flags := pflag.NewFlagSet("usage", pflag.ExitOnError)
	configPath, socketPath, timeout := commonFlags(flags)
	date := flags.String("date", "", "day to summarize, YYYY-MM-DD (default today)")
	filter := flags.String("filter", "", "track to summarize: app, website or idle (default app)")
	top := flags.Float64("top", 0, "cumulative share of total time to cover, in (0, 1] (default 0.8)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*configPath, *socketPath, *timeout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	summary, err := client.UsageActivity(ctx, wire.UsageQuery{
		TopPercentage: *top,
		Date:          *date,
		Filter:        *filter,
	})
	if err != nil {
		return err
	}
	if summary == "" {
		fmt.Println("no activity recorded")
		return nil
	}
	fmt.Println(summary)
	return nil
}

func runVersion(args []string) error {
	flags := pflag.NewFlagSet("version", pflag.ExitOnError)
	configPath, socketPath, timeout := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*configPath, *socketPath, *timeout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	daemonVersion, err := client.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("traq client %s\ntraqd daemon %s\n", version.Info(), daemonVersion)
	return nil
}
