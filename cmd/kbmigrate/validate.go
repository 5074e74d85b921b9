package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zulandar/kbmigrate/internal/config"
	"github.com/zulandar/kbmigrate/internal/gateway"
	"github.com/zulandar/kbmigrate/internal/logging"
	"github.com/zulandar/kbmigrate/internal/source"
)

// errValidation marks a failed validate run.
var errValidation = errors.New("validation failed")

// maxListedWarnings caps how many metadata warnings are printed.
const maxListedWarnings = 20

func newValidateCmd() *cobra.Command {
	var (
		configPath string
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration, source export and remote connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, afero.NewOsFs(), configPath, offline)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the remote connection test")
	return cmd
}

func runValidate(cmd *cobra.Command, fs afero.Fs, configPath string, offline bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Configuration %s is valid\n", configPath)

	var problems []string
	for _, p := range []struct {
		name string
		path string
		dir  bool
	}{
		{"documents_path", cfg.Source.DocumentsPath, true},
		{"csv_path", cfg.Source.CSVPath, false},
		{"attachments_path", cfg.Source.AttachmentsPath, true},
	} {
		if msg := checkPath(fs, p.path, p.dir); msg != "" {
			problems = append(problems, fmt.Sprintf("source.%s: %s", p.name, msg))
		}
	}
	if len(problems) > 0 {
		return reportProblems(out, problems)
	}

	idx, err := source.LoadIndex(fs, cfg.Source.CSVPath)
	if err != nil {
		return err
	}
	files, err := source.MapFiles(fs, cfg.Source.DocumentsPath)
	if err != nil {
		return err
	}
	printIndexStats(out, idx.Stats(time.Now(), files))

	warnings := append(append([]string{}, idx.Warnings...), idx.Validate(time.Now())...)
	if len(warnings) > 0 {
		fmt.Fprintf(out, "\n%d warning(s):\n", len(warnings))
		for i, w := range warnings {
			if i == maxListedWarnings {
				fmt.Fprintf(out, "  ...and %d more\n", len(warnings)-maxListedWarnings)
				break
			}
			fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	if offline {
		fmt.Fprintln(out, "\nSkipping remote connection test")
		return nil
	}

	log, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	gw := gateway.New(gateway.OptionsFrom(cfg), fs, log)
	if !gw.TestConnection(ctx) {
		return reportProblems(out, []string{fmt.Sprintf("cannot connect to %s", cfg.Remote.BaseURL)})
	}
	fmt.Fprintf(out, "\nConnected to %s\n", cfg.Remote.BaseURL)
	return nil
}

func checkPath(fs afero.Fs, path string, wantDir bool) string {
	info, err := fs.Stat(path)
	if err != nil {
		return fmt.Sprintf("%s does not exist", path)
	}
	if wantDir && !info.IsDir() {
		return fmt.Sprintf("%s is not a directory", path)
	}
	if !wantDir && info.IsDir() {
		return fmt.Sprintf("%s is a directory", path)
	}
	return ""
}

func reportProblems(out io.Writer, problems []string) error {
	fmt.Fprintln(out, "\nProblems:")
	for _, p := range problems {
		fmt.Fprintf(out, "  - %s\n", p)
	}
	return fmt.Errorf("%w: %s", errValidation, strings.Join(problems, "; "))
}

func printIndexStats(out io.Writer, st source.Stats) {
	fmt.Fprintln(out, "\nSource index:")
	fmt.Fprintf(out, "  Documents:    %d\n", st.Total)
	fmt.Fprintf(out, "  With file:    %d\n", st.WithFile)
	fmt.Fprintf(out, "  Public:       %d\n", st.Public)
	fmt.Fprintf(out, "  Help center:  %d\n", st.HelpCenter)
	fmt.Fprintf(out, "  Archived:     %d\n", st.Archived)
	fmt.Fprintf(out, "  Expired:      %d\n", st.Expired)
	fmt.Fprintln(out, "  By organization:")
	for _, org := range st.Organizations() {
		fmt.Fprintf(out, "    %-24s %d\n", org, st.ByOrganization[org])
	}
}
