package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newCleanCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
		logs       bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete all migration state",
		Long:  "Removes every run, document and attachment record from the state store. With --logs, also deletes the log files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, configPath, yes, logs)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&logs, "logs", false, "also delete log files")
	return cmd
}

func runClean(cmd *cobra.Command, configPath string, yes, logs bool) error {
	out := cmd.OutOrStdout()

	sess, err := openSession(cmd, configPath)
	if err != nil {
		return err
	}
	defer sess.Close()

	if !yes && !confirmClean(cmd) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	if err := sess.store.Clean(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Cleared migration state")

	if logs && sess.cfg.Logging.File != "" {
		n, err := removeLogs(sess.cfg.Logging.File)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %d log file(s)\n", n)
	}
	return nil
}

// removeLogs deletes the log file and its rotated backups.
func removeLogs(path string) (int, error) {
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(path, ext) + "-"
	backups, err := filepath.Glob(prefix + "*")
	if err != nil {
		return 0, err
	}

	n := 0
	for _, p := range append([]string{path}, backups...) {
		if err := os.Remove(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return n, fmt.Errorf("remove %s: %w", p, err)
		}
		n++
	}
	return n, nil
}

func confirmClean(cmd *cobra.Command) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintln(out, "WARNING: This will permanently delete all migration runs and their progress.")
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
