package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/searchktools/mini-server/app"
	"github.com/searchktools/mini-server/config"
	"github.com/searchktools/mini-server/logging"
)

const version = "0.1.0"

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "miniserver",
		Short: "miniserver - a minimal HTTP/1.1 server",
		Long: `miniserver answers one request per connection from a fixed pool of
workers. Requests are matched against registered routes first and then
against an optional static file root.

Configuration is read from defaults, ./miniserver.{yaml,toml,json} or --config,
MINISERVER_* environment variables and flags, later sources winning.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("miniserver version {{.Version}}\n")
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, toml or json)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cfgFile)
		},
	}
	config.RegisterFlags(serve.Flags())

	routes := &cobra.Command{
		Use:   "routes",
		Short: "Print the route table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoutes(cmd, cfgFile)
		},
	}
	config.RegisterFlags(routes.Flags())

	root.AddCommand(serve, routes)
	return root
}

func runServe(cmd *cobra.Command, cfgFile string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	registerRoutes(a)

	return a.Run(cmd.Context())
}

func runRoutes(cmd *cobra.Command, cfgFile string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	// static roots are not needed to list routes
	cfg.StaticRoot = ""

	a, err := app.New(cfg, logging.NewDiscardLogger())
	if err != nil {
		return err
	}
	registerRoutes(a)
	return printRoutes(cmd.OutOrStdout(), a)
}

func printRoutes(w io.Writer, a *app.App) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tPATTERN")
	for _, r := range a.Engine().Router().Routes() {
		fmt.Fprintf(tw, "%s\t%s\n", r.Method, r.Pattern)
	}
	return tw.Flush()
}
