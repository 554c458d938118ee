package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"printlapse/internal/config"
	"printlapse/internal/logging"
	"printlapse/internal/server"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "printlapse",
		Short:         "Timelapse API for a 3D printer host",
		Long:          `printlapse lists, renders and deletes print timelapses and manages the timelapse configuration over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ApplyEnv(cmd.Flags()); err != nil {
				return errors.Wrap(err, "configuration from environment failed")
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "configuration validation failed")
			}

			logger, err := logging.New(logging.Options{
				Dir:   cfg.LogDir,
				Level: cfg.LogLevel,
				Debug: cfg.Debug,
			})
			if err != nil {
				return err
			}
			logger.WithField("version", version).Info("🚀 Starting printlapse")

			srv, err := server.New(cfg, logger)
			if err != nil {
				return errors.Wrap(err, "failed to create server")
			}
			return srv.Run(cmd.Context())
		},
	}

	cfg.BindFlags(cmd.Flags())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "printlapse %s\n", version)
			if commit != "unknown" {
				fmt.Fprintf(out, "commit: %s\n", commit)
			}
			if date != "unknown" {
				fmt.Fprintf(out, "built: %s\n", date)
			}
		},
	}
}
