package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmgilman/buildrun/internal/prompt"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets available to builds",
	Long: `Manage secrets stored in the system keyring.

A build file maps environment variables to secret names under secrets:

  secrets:
    NPM_TOKEN: npm-token

The values are looked up when the build starts and passed to it verbatim.
The keyring backend is chosen with secrets.backend; the file backend reads its
passphrase from BUILDRUN_KEYRING_PASSWORD or asks for it.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret",
	Long: `Store a secret under name, replacing any previous value.

The value is asked for on a terminal, or read from standard input otherwise.`,
	Example: `  # Enter the value interactively
  buildrun secret set npm-token

  # Pipe the value in
  pass show npm | buildrun secret set npm-token`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newPrompter()
		value, err := readSecretValue(cmd.InOrStdin(), p, args[0])
		if err != nil {
			return err
		}

		kc, err := newKeychain(cmd.Context(), p)
		if err != nil {
			return err
		}
		if err := kc.Set(args[0], value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %s\n", args[0])
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored secret names",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKeychain(cmd.Context(), newPrompter())
		if err != nil {
			return err
		}
		names, err := kc.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var secretRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"remove"},
	Short:   "Delete a secret",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKeychain(cmd.Context(), newPrompter())
		if err != nil {
			return err
		}
		if err := kc.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed secret %s\n", args[0])
		return nil
	},
}

// readSecretValue prompts for the value, or reads all of in when there is no
// terminal. A single trailing newline is dropped.
func readSecretValue(in io.Reader, p prompt.Prompter, name string) (string, error) {
	value, err := p.Secret("Value for " + name)
	switch {
	case err == nil:
	case errors.Is(err, prompt.ErrNotInteractive):
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read secret from stdin: %w", err)
		}
		value = strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	default:
		return "", err
	}

	if value == "" {
		return "", errors.New("secret value must not be empty")
	}
	return value, nil
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretRmCmd)
}
