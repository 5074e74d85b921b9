package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/kbmigrate/internal/config"
)

// stdinIsTerminal reports whether the token may be prompted for.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readSecret reads a line from the terminal without echo.
var readSecret = func() (string, error) {
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	return string(b), err
}

func newInitCmd() *cobra.Command {
	var (
		configPath string
		token      string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: "Writes a commented config.yaml with every setting at its default. The API token\n" +
			"is taken from --token, or prompted for when stdin is a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, configPath, token, force)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&token, "token", "", "API token to embed in the config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(cmd *cobra.Command, configPath, token string, force bool) error {
	out := cmd.OutOrStdout()

	if token == "" && stdinIsTerminal() {
		fmt.Fprint(out, "API token (leave empty to fill in later): ")
		secret, err := readSecret()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(secret)
	}

	if err := config.WriteDefault(configPath, token, force); err != nil {
		if errors.Is(err, config.ErrExists) {
			return fmt.Errorf("%w (use --force to overwrite)", err)
		}
		return err
	}

	fmt.Fprintf(out, "Wrote configuration to %s\n", configPath)
	if token == "" {
		fmt.Fprintln(out, "Set remote.api_token or KBMIGRATE_API_TOKEN before migrating.")
	}
	fmt.Fprintln(out, "Next: kbmigrate validate -c", configPath)
	return nil
}
