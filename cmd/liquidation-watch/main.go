package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"liquidation-watch/internal/config"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "liquidation-watch",
		Usage: "Record marginfi liquidations from a Solana transaction feed",
		Description: `Subscribes to confirmed marginfi v2 transactions, picks out liquidations
by their program logs and writes one record per liquidation to a time-series store.

Configuration is read from the environment (see FEED_*, SINK_*, LOG_* variables).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "Load variables from a .env file (existing variables win)",
				EnvVars: []string{"ENV_FILE"},
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				return config.LoadEnvFile(path)
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			migrateCommand(),
		},
	}
}
