package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"liquidation-watch/internal/config"
	"liquidation-watch/internal/sink"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply embedded schema migrations to the configured sink",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadSink()
			if err != nil {
				return err
			}
			if cfg.SinkBackend == sink.BackendMemory {
				return fmt.Errorf("memory backend has no schema to migrate")
			}

			dsn, err := cfg.SinkDSN()
			if err != nil {
				return err
			}

			store, err := sink.Open(c.Context, cfg.SinkBackend, dsn, true)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", cfg.SinkBackend, err)
			}
			defer store.Close()

			fmt.Fprintf(c.App.Writer, "Migrations applied to %s\n", cfg.SinkBackend)
			return nil
		},
	}
}
