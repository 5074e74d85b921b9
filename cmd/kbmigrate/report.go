package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/kbmigrate/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		configPath string
		runID      uint
		format     string
		output     string
		serve      string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the outcome of a migration run",
		Long: "Prints statistics, failed documents and the error log of a run (the latest by\n" +
			"default). With --serve, exposes the same data as a read-only JSON API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serve != "" {
				return runReportServe(cmd, configPath, serve)
			}
			return runReport(cmd, configPath, runID, format, output)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().UintVar(&runID, "run", 0, "run ID (default: latest)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to a file instead of stdout")
	cmd.Flags().StringVar(&serve, "serve", "", "serve the report API on this address (e.g. :8080)")
	return cmd
}

func runReport(cmd *cobra.Command, configPath string, runID uint, format, output string) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}

	sess, err := openSession(cmd, configPath)
	if err != nil {
		return err
	}
	defer sess.Close()

	rep, err := report.Build(sess.store, runID)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}

	if format == "json" {
		err = rep.WriteJSON(w)
	} else {
		err = rep.WriteText(w)
	}
	if err != nil {
		return err
	}
	if output != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", output)
	}
	return nil
}

func runReportServe(cmd *cobra.Command, configPath, addr string) error {
	sess, err := openSession(cmd, configPath)
	if err != nil {
		return err
	}
	defer sess.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return report.Serve(ctx, report.ServeOpts{
		Store: sess.store,
		Addr:  addr,
		Out:   cmd.OutOrStdout(),
	})
}
