package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/db"
	"github.com/austindbirch/hookgate/internal/logging"
)

// schema is the part of internal/db the commands drive.
type schema struct {
	migrate func(dsn string, dir db.Direction, steps int) error
	version func(dsn string) (uint, bool, error)
}

func newRootCmd(s schema, dsn func() string, logger *logging.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the hookgate Postgres schema",
		SilenceUsage: true,
	}

	var upSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.migrate(dsn(), db.Up, upSteps); err != nil {
				return err
			}
			logger.Plain().WithField("steps", upSteps).Info("migrations applied")
			return nil
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "apply at most this many migrations (0 = all)")

	var downSteps int
	var all bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if downSteps <= 0 && !all {
				return errors.New("refusing to roll back everything without --all (or give --steps)")
			}
			if all {
				downSteps = 0
			}
			if err := s.migrate(dsn(), db.Down, downSteps); err != nil {
				return err
			}
			logger.Plain().WithField("steps", downSteps).Info("migrations rolled back")
			return nil
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 0, "roll back this many migrations")
	down.Flags().BoolVar(&all, "all", false, "roll back every migration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, dirty, err := s.version(dsn())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d", v)
			if dirty {
				fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	root.AddCommand(up, down, version)
	return root
}

func main() {
	logger := logging.New("hookgate-migrate")
	cmd := newRootCmd(schema{migrate: db.Migrate, version: db.Version},
		func() string { return config.FromEnv().DSN() }, logger)
	if err := cmd.Execute(); err != nil {
		logger.Plain().WithError(err).Error("migration failed")
		os.Exit(1)
	}
}
