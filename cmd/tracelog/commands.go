package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tracelog/internal/config"
	mcpsrv "tracelog/internal/mcp"
	"tracelog/internal/query"
	"tracelog/internal/report"
	apisrv "tracelog/internal/server"
)

const storeHeartbeat = 30 * time.Second

type rootOptions struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "tracelog",
		Short:         "Structured tracing and logging engine",
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to config file (default: search ./config.yaml, ./config, /etc/tracelog)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newLogsCmd(opts),
		newTracesCmd(opts),
		newEventsCmd(opts),
		newStatsCmd(opts),
		newReportCmd(opts),
	)
	return rootCmd
}

// withApp builds the app, runs fn and closes the app.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	logger, err := newLogger(opts.cfg.App, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := newApp(opts.cfg, logger)
	if err != nil {
		return err
	}

	runErr := fn(cmd.Context(), a)
	if err := a.Close(); err != nil {
		logger.Warn("close failed", "error", err)
	}
	return runErr
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the observability query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				srv := apisrv.New(a.cfg, a.query, a.tracer, a.provider, a.metrics, a.logger)

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return srv.Run(ctx)
				})
				g.Go(func() error {
					ticker := time.NewTicker(storeHeartbeat)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case <-ticker.C:
							if err := a.query.Ping(ctx); err != nil {
								a.logger.Warn("store ping failed", "driver", a.cfg.Store.Driver, "error", err)
							}
						}
					}
				})
				return g.Wait()
			})
		},
	}
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the query tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				a.logger.Info("tracelog MCP server listening on stdio")
				reports := report.NewGenerator(a.query, a.provider)
				return server.ServeStdio(mcpsrv.New(a.query, reports).NewMCPServer(version))
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var q query.LogQuery
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent logs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				logs, err := a.query.ListLogs(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"logs": logs, "count": len(logs)})
			})
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "maximum number of logs")
	cmd.Flags().StringVar(&q.Level, "level", "", "only this level")
	cmd.Flags().StringVar(&q.Component, "component", "", "only this component")
	return cmd
}

func newTracesCmd(opts *rootOptions) *cobra.Command {
	var q query.TraceQuery
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "List recent traces, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				traces, err := a.query.ListTraces(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"traces": traces, "count": len(traces)})
			})
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "maximum number of traces")
	cmd.Flags().StringVar(&q.Component, "component", "", "only this component")
	cmd.Flags().StringVar(&q.Status, "status", "", "only this status (started, success, error)")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <trace-id>",
		Short: "Show the events of one trace in chronological order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				events, err := a.query.ListEventsByTraceID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"events": events, "count": len(events), "traceId": args[0]})
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				stats, err := a.query.GetStats(ctx)
				if err != nil {
					return fmt.Errorf("stats: %w", err)
				}
				return printJSON(cmd, map[string]interface{}{"stats": stats})
			})
		},
	}
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var summarize bool
	cmd := &cobra.Command{
		Use:   "report <trace-id>",
		Short: "Render one trace as a Markdown timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if summarize && a.provider == nil {
					return fmt.Errorf("--summarize needs llm.provider to be configured")
				}
				r, err := report.NewGenerator(a.query, a.provider).Generate(ctx, args[0], summarize)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), r.Markdown)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&summarize, "summarize", false, "ask the configured LLM for a short summary")
	return cmd
}
