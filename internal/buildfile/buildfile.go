// Package buildfile loads build definitions from buildrun.yaml.
//
// A build file describes one command plus optional named variants that
// inherit from it:
//
//	name: test
//	shell_cmd: go test ./...
//	working_dir: .
//	env:
//	  GOFLAGS: -count=1
//	variants:
//	  - name: race
//	    shell_cmd: go test -race ./...
package buildfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"

	bexec "github.com/jmgilman/buildrun/internal/exec"
)

// Sentinel errors for build file operations.
var (
	ErrNotFound  = errors.New("no build file found")
	ErrNoVariant = errors.New("no such variant")
)

// Names lists the file names Find looks for, in order of preference.
var Names = []string{"buildrun.yaml", "buildrun.yml", ".buildrun.yaml"}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlName)
	//nolint:errcheck // only fails for an empty tag or nil func
	v.RegisterValidation("encoding", func(fl validator.FieldLevel) bool {
		_, err := htmlindex.Get(fl.Field().String())
		return err == nil
	})
	return v
}

// File is a decoded build file.
type File struct {
	Build `yaml:",inline"`

	// Source is the file the build was loaded from. Relative paths inside
	// the file resolve against its directory.
	Source string `yaml:"-"`
}

// Build is one runnable build definition.
type Build struct {
	Name       string            `yaml:"name"`
	Cmd        Args              `yaml:"cmd" validate:"required_without=ShellCmd,excluded_with=ShellCmd"`
	ShellCmd   ShellLine         `yaml:"shell_cmd"`
	WorkingDir string            `yaml:"working_dir"`
	Encoding   string            `yaml:"encoding" validate:"omitempty,encoding"`
	Env        map[string]string `yaml:"env" validate:"dive,keys,required,excludesall==,endkeys"`
	EnvFile    string            `yaml:"env_file"`
	Secrets    map[string]string `yaml:"secrets" validate:"dive,keys,required,excludesall==,endkeys,required"`
	Path       string            `yaml:"path"`
	Shell      string            `yaml:"shell"`
	Quiet      bool              `yaml:"quiet"`
	Helper     bool              `yaml:"helper"`
	RawShell   bool              `yaml:"raw_shell"`
	Variants   []Build           `yaml:"variants" validate:"-"`
}

// Args is an argument vector. In YAML it is either a sequence of strings or
// a single scalar naming the program.
type Args []string

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (a *Args) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*a = Args{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return fmt.Errorf("%w: cmd must be a list of strings (line %d)", bexec.ErrConfiguration, node.Line)
		}
		*a = items
		return nil
	default:
		return fmt.Errorf("%w: cmd must be a string or a list (line %d)", bexec.ErrConfiguration, node.Line)
	}
}

// ShellLine is a command line for the platform shell. Only a flat string is
// accepted.
type ShellLine string

// UnmarshalYAML rejects anything but a scalar.
func (s *ShellLine) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: shell_cmd must be a flat string (line %d)", bexec.ErrConfiguration, node.Line)
	}
	*s = ShellLine(node.Value)
	return nil
}

// Parse decodes and validates a build file read from path.
func Parse(data []byte, path string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		if errors.Is(err, bexec.ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: parse %s: %w", bexec.ErrConfiguration, path, err)
	}
	f.Source = path

	if err := f.Build.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads the build file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve build file path: %w", err)
	}
	return Parse(data, abs)
}

// Find walks from dir up to the filesystem root and returns the first build
// file it sees.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve directory: %w", err)
	}

	for {
		for _, name := range Names {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Dir returns the directory containing the build file.
func (f *File) Dir() string {
	return filepath.Dir(f.Source)
}

// Resolve returns the build to run. An empty variant selects the top-level
// build. Variants inherit every field they leave unset; a variant that sets
// either cmd or shell_cmd replaces both. Relative working_dir and env_file
// are made absolute against the build file's directory.
func (f *File) Resolve(variant string) (Build, error) {
	b := f.Build
	b.Variants = nil

	if variant != "" {
		v, ok := f.variant(variant)
		if !ok {
			return Build{}, fmt.Errorf("%w: %s (available: %s)", ErrNoVariant, variant, strings.Join(f.VariantNames(), ", "))
		}
		b = b.merge(v)
		if err := b.Validate(); err != nil {
			return Build{}, err
		}
	}

	b.WorkingDir = f.abs(b.WorkingDir)
	if b.WorkingDir == "" {
		b.WorkingDir = f.Dir()
	}
	if b.EnvFile != "" {
		b.EnvFile = f.abs(b.EnvFile)
	}
	return b, nil
}

// VariantNames lists the variants in file order.
func (f *File) VariantNames() []string {
	names := make([]string, 0, len(f.Variants))
	for _, v := range f.Variants {
		names = append(names, v.Name)
	}
	return names
}

func (f *File) variant(name string) (Build, bool) {
	for _, v := range f.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Build{}, false
}

func (f *File) abs(p string) string {
	if p == "" || filepath.IsAbs(p) || f.Source == "" {
		return p
	}
	return filepath.Join(f.Dir(), p)
}

func (b Build) merge(v Build) Build {
	if v.Name != "" {
		b.Name = v.Name
	}
	if len(v.Cmd) > 0 || v.ShellCmd != "" {
		b.Cmd, b.ShellCmd = v.Cmd, v.ShellCmd
	}
	if v.WorkingDir != "" {
		b.WorkingDir = v.WorkingDir
	}
	if v.Encoding != "" {
		b.Encoding = v.Encoding
	}
	if len(v.Env) > 0 {
		env := make(map[string]string, len(b.Env)+len(v.Env))
		for k, val := range b.Env {
			env[k] = val
		}
		for k, val := range v.Env {
			env[k] = val
		}
		b.Env = env
	}
	if len(v.Secrets) > 0 {
		secrets := make(map[string]string, len(b.Secrets)+len(v.Secrets))
		for k, name := range b.Secrets {
			secrets[k] = name
		}
		for k, name := range v.Secrets {
			secrets[k] = name
		}
		b.Secrets = secrets
	}
	if v.EnvFile != "" {
		b.EnvFile = v.EnvFile
	}
	if v.Path != "" {
		b.Path = v.Path
	}
	if v.Shell != "" {
		b.Shell = v.Shell
	}
	b.Quiet = b.Quiet || v.Quiet
	b.Helper = b.Helper || v.Helper
	b.RawShell = b.RawShell || v.RawShell
	return b
}

// Validate checks the build against its struct tags. Failures wrap
// exec.ErrConfiguration.
func (b *Build) Validate() error {
	err := validate.Struct(b)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", bexec.ErrConfiguration, err)
	}

	messages := make([]string, 0, len(verrs))
	for _, e := range verrs {
		messages = append(messages, e.Field()+": "+describe(e))
	}
	return fmt.Errorf("%w: %s", bexec.ErrConfiguration, strings.Join(messages, "; "))
}

// Spec converts the build into a command for exec.Start.
func (b *Build) Spec() bexec.CommandSpec {
	if b.ShellCmd != "" {
		return bexec.ShellLine(string(b.ShellCmd))
	}
	return bexec.Argv(b.Cmd...)
}

// Label names the build for display and history.
func (b *Build) Label() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Spec().String()
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required_without":
		return "one of cmd or shell_cmd is required"
	case "excluded_with":
		return "cmd and shell_cmd are mutually exclusive"
	case "encoding":
		return fmt.Sprintf("unknown encoding %q", e.Value())
	case "required", "excludesall":
		// A failing secrets value reports the non-empty key it belongs to.
		if e.Tag() == "required" && strings.HasPrefix(e.Field(), "secrets[") && e.Field() != "secrets[]" {
			return "secret names must be non-empty"
		}
		return "environment variable names must be non-empty and contain no '='"
	default:
		return "is invalid"
	}
}

func yamlName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	if name == "" || name == "-" {
		return fld.Name
	}
	return name
}
