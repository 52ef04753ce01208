package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmgilman/buildrun/internal/buildfile"
	"github.com/jmgilman/buildrun/internal/config"
	"github.com/jmgilman/buildrun/internal/environ"
	bexec "github.com/jmgilman/buildrun/internal/exec"
	"github.com/jmgilman/buildrun/internal/git"
	"github.com/jmgilman/buildrun/internal/keychain"
	"github.com/jmgilman/buildrun/internal/metrics"
	"github.com/jmgilman/buildrun/internal/prompt"
	"github.com/jmgilman/buildrun/internal/runner"
	"github.com/jmgilman/buildrun/internal/slogger"
	"github.com/jmgilman/buildrun/internal/spinner"
	"github.com/jmgilman/buildrun/internal/watch"
)

// Exit status used when a run was cancelled, matching a shell's SIGINT status.
const exitCancelled = 130

// revisionTimeout bounds the git queries made before each recorded run.
const revisionTimeout = 2 * time.Second

// newPrompter is replaced in tests.
var newPrompter = func() prompt.Prompter { return prompt.New() }

var runCmd = &cobra.Command{
	Use:   "run [build-file] [-- command [args...]]",
	Short: "Run a build and stream its output",
	Long: `Run a build command and stream its output as it arrives.

The build is read from the given file, or from the nearest buildrun.yaml in
the current directory or its parents. A command after -- (or a shell line
given with --shell-cmd) runs directly without a build file.

Output is printed followed by a finish line with the elapsed time and, when
non-zero, the exit code. Interrupting buildrun cancels the build. The exit
status of buildrun is the exit status of the build.`,
	Example: `  # Run the build in ./buildrun.yaml (or a parent directory)
  buildrun run

  # Run a named variant
  buildrun run --variant test

  # Choose among the variants interactively
  buildrun run --pick

  # Run a command directly, preferring tools in ./bin
  buildrun run --path './bin:$PATH' -- make -j8

  # Run a shell line with an extra variable
  buildrun run -c 'go test ./... | tee test.log' --env GOFLAGS=-count=1

  # Rebuild on every change, showing only a status line
  buildrun run --watch --ticker`,
	RunE: runRunCmd,
}

// runFlags holds parsed flags for the run command.
type runFlags struct {
	variant         string
	shellCmd        string
	shell           string
	env             []string
	envFile         string
	path            string
	dir             string
	encoding        string
	metricsTextfile string
	quiet           bool
	helper          bool
	rawShell        bool
	watch           bool
	ticker          bool
	noHistory       bool
	pick            bool
}

// parseRunFlags extracts flags from the command.
func parseRunFlags(cmd *cobra.Command) (*runFlags, error) {
	f := &runFlags{}
	var err error

	strFlags := map[string]*string{
		"variant":          &f.variant,
		"shell-cmd":        &f.shellCmd,
		"shell":            &f.shell,
		"env-file":         &f.envFile,
		"path":             &f.path,
		"dir":              &f.dir,
		"encoding":         &f.encoding,
		"metrics-textfile": &f.metricsTextfile,
	}
	for name, dst := range strFlags {
		if *dst, err = cmd.Flags().GetString(name); err != nil {
			return nil, fmt.Errorf("get %s flag: %w", name, err)
		}
	}

	boolFlags := map[string]*bool{
		"quiet":      &f.quiet,
		"helper":     &f.helper,
		"raw-shell":  &f.rawShell,
		"watch":      &f.watch,
		"ticker":     &f.ticker,
		"no-history": &f.noHistory,
		"pick":       &f.pick,
	}
	for name, dst := range boolFlags {
		if *dst, err = cmd.Flags().GetBool(name); err != nil {
			return nil, fmt.Errorf("get %s flag: %w", name, err)
		}
	}

	if f.env, err = cmd.Flags().GetStringArray("env"); err != nil {
		return nil, fmt.Errorf("get env flag: %w", err)
	}
	return f, nil
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := slogger.L(ctx)

	flags, err := parseRunFlags(cmd)
	if err != nil {
		return err
	}

	var fileArgs, argv []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		fileArgs, argv = args[:dash], args[dash:]
	} else {
		fileArgs = args
	}
	if len(fileArgs) > 1 {
		return fmt.Errorf("expected at most one build file, got %d", len(fileArgs))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	build, err := resolveBuild(cwd, fileArgs, argv, flags, newPrompter())
	if err != nil {
		return err
	}

	cfg := ConfigFromContext(ctx)
	req, err := buildRequest(build, cfg, flags)
	if err != nil {
		return err
	}
	if req.Secrets, err = buildSecrets(ctx, build); err != nil {
		return err
	}

	opts, err := runnerOptions(ctx, cfg, flags)
	if err != nil {
		return err
	}
	opts.Output = cmd.OutOrStdout()
	opts.Logger = logger

	var (
		spin *spinner.Spinner
		tail bytes.Buffer
	)
	if flags.ticker {
		spin = spinner.New(cmd.ErrOrStderr(), req.Build)
		opts.Output = io.MultiWriter(&tail, spin)
		go func() {
			if err := spin.Start(); err != nil {
				logger.Debug("spinner stopped", "error", err)
			}
		}()
		defer spin.Stop()
	}

	executor := bexec.New()
	var revise func() string
	if opts.Store != nil {
		reader := git.NewReader(executor)
		revise = func() string { return sourceRevision(ctx, reader, req.Dir) }
	}

	r := runner.New(executor, opts)
	defer func() {
		if err := r.Close(); err != nil {
			logger.Debug("close runner", "error", err)
		}
	}()

	if flags.watch {
		return watchBuild(ctx, r, req, watchConfig(cfg, logger), revise)
	}

	if revise != nil {
		req.Revision = revise()
	}

	// Shows what the status line hid.
	flushTicker := func() {
		if spin != nil {
			spin.Stop()
			_, _ = cmd.OutOrStdout().Write(tail.Bytes())
		}
	}

	inv, err := r.Run(ctx, req)
	if err != nil {
		// The runner has already printed the failure.
		logger.Debug("run failed to start", "error", err)
		flushTicker()
		return &ExitError{Code: 1}
	}
	res := inv.Result()

	if res.ExitCode != 0 && !res.Cancelled {
		flushTicker()
	} else if spin != nil {
		spin.Stop()
	}

	if code := exitStatus(res); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// resolveBuild picks the build to run: a command from the command line, or
// a build file, with flag overrides applied on top. p is only consulted for
// --pick.
func resolveBuild(cwd string, fileArgs, argv []string, flags *runFlags, p prompt.Prompter) (buildfile.Build, error) {
	var b buildfile.Build

	if flags.pick && flags.variant != "" {
		return b, errors.New("--pick and --variant are mutually exclusive")
	}

	if len(argv) > 0 || flags.shellCmd != "" {
		if len(fileArgs) > 0 {
			return b, errors.New("a build file cannot be combined with a command")
		}
		if flags.variant != "" || flags.pick {
			return b, errors.New("variants require a build file")
		}
		b = buildfile.Build{
			Cmd:        argv,
			ShellCmd:   buildfile.ShellLine(flags.shellCmd),
			WorkingDir: cwd,
		}
		if err := b.Validate(); err != nil {
			return b, err
		}
	} else {
		path := ""
		if len(fileArgs) == 1 {
			path = fileArgs[0]
		} else {
			found, err := buildfile.Find(cwd)
			if err != nil {
				return b, fmt.Errorf("%w in %s or its parents (pass a command after --)", err, cwd)
			}
			path = found
		}

		file, err := buildfile.Load(path)
		if err != nil {
			return b, err
		}
		variant := flags.variant
		if flags.pick {
			if variant, err = pickVariant(p, file); err != nil {
				return b, err
			}
		}
		if b, err = file.Resolve(variant); err != nil {
			return b, err
		}
	}

	if flags.dir != "" {
		b.WorkingDir = absFrom(cwd, flags.dir)
	}
	if flags.envFile != "" {
		b.EnvFile = absFrom(cwd, flags.envFile)
	}
	if flags.encoding != "" {
		b.Encoding = flags.encoding
	}
	if flags.path != "" {
		b.Path = flags.path
	}
	if flags.shell != "" {
		b.Shell = flags.shell
	}
	b.Quiet = b.Quiet || flags.quiet
	b.Helper = b.Helper || flags.helper
	b.RawShell = b.RawShell || flags.rawShell
	return b, nil
}

// pickVariant asks which variant to run. The first option is the top-level
// build, which maps to the empty variant name.
func pickVariant(p prompt.Prompter, file *buildfile.File) (string, error) {
	names := file.VariantNames()
	if len(names) == 0 {
		return "", nil
	}

	options := make([]string, 0, len(names)+1)
	options = append(options, file.Label())
	options = append(options, names...)

	choice, err := p.Choice("Build with", options)
	if err != nil {
		return "", fmt.Errorf("pick variant: %w", err)
	}
	if choice == 0 {
		return "", nil
	}
	return names[choice-1], nil
}

// buildSecrets resolves the build's secrets from the keyring. The keyring is
// only opened when the build names any.
func buildSecrets(ctx context.Context, b buildfile.Build) (map[string]string, error) {
	if len(b.Secrets) == 0 {
		return nil, nil
	}
	kc, err := newKeychain(ctx, newPrompter())
	if err != nil {
		return nil, err
	}
	return keychain.Resolve(kc, b.Secrets)
}

// buildRequest turns a resolved build into a runner request. Environment
// layers apply in order: env_file, the build's env, the configured
// build_env and finally --env flags.
func buildRequest(b buildfile.Build, cfg *config.Config, flags *runFlags) (runner.Request, error) {
	var layers []map[string]string

	if b.EnvFile != "" {
		fileEnv, err := environ.LoadFile(b.EnvFile)
		if err != nil {
			return runner.Request{}, err
		}
		layers = append(layers, fileEnv)
	}
	layers = append(layers, b.Env)

	shell := b.Shell
	quiet := b.Quiet
	helperPath := ""
	if cfg != nil {
		layers = append(layers, cfg.BuildEnv)
		if shell == "" {
			shell = cfg.Default.Shell
		}
		quiet = quiet || cfg.Default.Quiet
		helperPath = cfg.Helper.Path
	}

	flagEnv, err := parseEnvFlags(flags.env)
	if err != nil {
		return runner.Request{}, err
	}
	layers = append(layers, flagEnv)

	return runner.Request{
		Build:    b.Label(),
		Spec:     b.Spec(),
		Env:      environ.Merge(layers...),
		Path:     b.Path,
		Dir:      b.WorkingDir,
		Encoding: b.Encoding,
		Quiet:    quiet,
		Exec: bexec.Options{
			UseHelper:  b.Helper,
			RawShell:   b.RawShell,
			Shell:      shell,
			HelperPath: helperPath,
		},
	}, nil
}

func runnerOptions(ctx context.Context, cfg *config.Config, flags *runFlags) (runner.Options, error) {
	opts := runner.Options{
		Metrics:         metrics.New(),
		MetricsTextfile: flags.metricsTextfile,
	}
	if cfg != nil {
		opts.Encoding = cfg.Default.Encoding
		opts.HistoryLimit = cfg.Storage.Keep
		if opts.MetricsTextfile == "" {
			opts.MetricsTextfile = cfg.Metrics.Textfile
		}
	}

	if flags.noHistory {
		return opts, nil
	}

	store, err := openStore(ctx)
	if err != nil {
		return opts, err
	}
	logs, err := openLogs(ctx)
	if err != nil {
		return opts, err
	}
	opts.Store = store
	opts.Logs = logs
	return opts, nil
}

func watchConfig(cfg *config.Config, logger *slog.Logger) watch.Config {
	wc := watch.Config{Logger: logger}
	if cfg != nil {
		wc.Debounce = cfg.Watch.Debounce
		wc.Ignore = cfg.Watch.Ignore
	}
	return wc
}

// watchBuild runs req now and again after every change below its working
// directory. A change cancels a build still in progress. revise, when set,
// refreshes the recorded source revision before each run.
func watchBuild(ctx context.Context, r *runner.Runner, req runner.Request, wc watch.Config, revise func() string) error {
	root := req.Dir
	if root == "" {
		root = "."
	}
	w, err := watch.New(root, wc)
	if err != nil {
		return err
	}
	defer w.Close()

	start := func() {
		if revise != nil {
			req.Revision = revise()
		}
		if _, err := r.Run(ctx, req); err != nil {
			wc.Logger.Debug("run failed to start", "error", err)
		}
	}

	wc.Logger.Info("watching for changes", "dir", w.Root())
	start()

	err = w.Run(ctx, func(paths []string) {
		wc.Logger.Info("change detected", "paths", paths)
		r.Cancel()
		start()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sourceRevision describes the checkout dir belongs to. It returns "" when
// dir is not in a git repository or git cannot be run.
func sourceRevision(ctx context.Context, reader *git.Reader, dir string) string {
	ctx, cancel := context.WithTimeout(ctx, revisionTimeout)
	defer cancel()

	rev, err := reader.Read(ctx, dir)
	if err != nil {
		if !errors.Is(err, git.ErrNotRepository) {
			slogger.L(ctx).Debug("read source revision", "dir", dir, "error", err)
		}
		return ""
	}
	return rev.String()
}

// parseEnvFlags parses repeated --env KEY=VALUE flags.
func parseEnvFlags(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: --env %q must be KEY=VALUE", bexec.ErrConfiguration, pair)
		}
		env[key] = value
	}
	return env, nil
}

// exitStatus maps a run result to the status buildrun exits with. A child
// killed by a signal maps to 128+signal as a shell would report it.
func exitStatus(res runner.Result) int {
	switch {
	case res.Cancelled:
		return exitCancelled
	case res.ExitCode < 0:
		return 128 - res.ExitCode
	default:
		return res.ExitCode
	}
}

func absFrom(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("variant", "", "run the named variant of the build")
	runCmd.Flags().BoolP("pick", "p", false, "choose the variant to run interactively")
	runCmd.Flags().StringP("shell-cmd", "c", "", "run a shell command line instead of a build file")
	runCmd.Flags().String("shell", "", "shell program for shell command lines (POSIX)")
	runCmd.Flags().StringArrayP("env", "e", nil, "set a variable for the build (KEY=VALUE, repeatable)")
	runCmd.Flags().String("env-file", "", "read variables from a dotenv file")
	runCmd.Flags().String("path", "", "replace PATH for the build; include $PATH to extend it")
	runCmd.Flags().String("dir", "", "working directory for the build")
	runCmd.Flags().String("encoding", "", "encoding of the build's output")
	runCmd.Flags().BoolP("quiet", "q", false, "omit the finish line and launch banner")
	runCmd.Flags().Bool("helper", false, "run through buildrun-helper (Windows)")
	runCmd.Flags().Bool("raw-shell", false, "run the command through the system shell")
	runCmd.Flags().BoolP("watch", "w", false, "re-run the build whenever files change")
	runCmd.Flags().Bool("ticker", false, "show a one-line status display instead of the output")
	runCmd.Flags().Bool("no-history", false, "do not record the run in history")
	runCmd.Flags().String("metrics-textfile", "", "write run metrics to this file in Prometheus text format")
}
