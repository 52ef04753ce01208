package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmgilman/buildrun/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "View and modify configuration",
	Long: `View and modify buildrun configuration.

With no arguments, displays all configuration.
With one argument, displays the value for the specified key.
With two arguments, sets the value for the specified key.`,
	Example: `  # Show all config
  buildrun config

  # Show value for a specific key
  buildrun config default.encoding

  # Set a value
  buildrun config storage.keep 50
  buildrun config build_env.CC clang

  # Open config file in editor
  buildrun config --edit`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		editFlag, err := cmd.Flags().GetBool("edit")
		if err != nil {
			return fmt.Errorf("get edit flag: %w", err)
		}
		if editFlag {
			return runEdit(cmd)
		}

		loader, err := config.NewLoader()
		if err != nil {
			return fmt.Errorf("init config loader: %w", err)
		}

		out := cmd.OutOrStdout()
		switch len(args) {
		case 0:
			return runShowAll(out, loader)
		case 1:
			return runShowKey(out, loader, args[0])
		case 2:
			return runSetKey(out, loader, args[0], args[1])
		}

		return nil
	},
}

func runEdit(cmd *cobra.Command) error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		return config.ErrNoEditor
	}

	loader, err := config.NewLoader()
	if err != nil {
		return fmt.Errorf("init config loader: %w", err)
	}

	// Ensure config exists (Load creates it if missing)
	if _, err := loader.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	editorCmd := exec.CommandContext(cmd.Context(), editor, loader.Path())
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = cmd.OutOrStdout()
	editorCmd.Stderr = cmd.ErrOrStderr()

	return editorCmd.Run()
}

func runShowAll(out io.Writer, loader *config.Loader) error {
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	all := loader.All()
	all["build_env"] = cfg.BuildEnv

	data, err := yaml.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	_, err = out.Write(data)
	return err
}

func runShowKey(out io.Writer, loader *config.Loader, key string) error {
	if err := config.ValidateKey(key); err != nil {
		return err
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var value any
	if key == "build_env" {
		value = cfg.BuildEnv
	} else if value, err = loader.Get(key); err != nil {
		return err
	}

	switch v := value.(type) {
	case nil:
		fmt.Fprintln(out)
	case string:
		fmt.Fprintln(out, v)
	case map[string]any, map[string]string, []any, []string:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal value: %w", err)
		}
		_, err = out.Write(data)
		return err
	default:
		fmt.Fprintln(out, value)
	}

	return nil
}

func runSetKey(out io.Writer, loader *config.Loader, key, value string) error {
	// Load first to ensure file exists
	if _, err := loader.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := loader.Set(key, value); err != nil {
		return err
	}

	fmt.Fprintf(out, "Set %s = %s\n", key, value)
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().Bool("edit", false, "open config file in $EDITOR")
}
