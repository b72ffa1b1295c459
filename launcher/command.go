// Package launcher builds and runs detector scripts as child processes.
package launcher

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/alessio/shellescape"
	"github.com/nvr-ai/loadswitch/config"
	"github.com/nvr-ai/loadswitch/source"
	"github.com/pkg/errors"
)

// ErrScriptNotFound is returned when a profile's script does not exist.
var ErrScriptNotFound = errors.New("script not found")

// Command is a fully resolved child process invocation.
type Command struct {
	// Profile is the name of the profile the command was built from.
	Profile string
	// Path is the program to execute, usually the interpreter.
	Path string
	// Args follow Path on the command line.
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the parent environment as KEY=VALUE pairs.
	Env []string
	// OutputDir is where the detector writes its results.
	OutputDir string
}

// Build resolves a profile into a command line. When the profile sets a
// working directory, local sources and the output directory are made absolute
// so the child sees the same paths as the caller.
//
// Arguments:
//   - interpreter: The program that runs the script.
//   - profile: The detector profile.
//   - src: The source handed to the detector.
//   - outputDir: The project directory results are written under.
//
// Returns:
//   - Command: The resolved command.
//   - error: An error if the profile is invalid.
func Build(interpreter string, profile config.Profile, src, outputDir string) (Command, error) {
	if err := profile.Validate(); err != nil {
		return Command{}, errors.Wrapf(err, "profile %s", profile.Name)
	}

	extra, err := profile.SplitExtraArgs()
	if err != nil {
		return Command{}, err
	}

	if profile.WorkDir != "" {
		if src, err = absSource(src); err != nil {
			return Command{}, err
		}
		if outputDir, err = filepath.Abs(outputDir); err != nil {
			return Command{}, errors.Wrapf(err, "resolve output dir %s", outputDir)
		}
	}

	var args []string
	switch profile.Style {
	case config.StylePositional:
		args = []string{profile.Script, profile.Weights, src}
	case config.StyleFlags:
		args = []string{
			profile.Script,
			"--weights", profile.Weights,
			"--source", src,
			"--conf-thres", strconv.FormatFloat(profile.ConfThreshold(), 'f', -1, 64),
			"--project", outputDir,
			"--name", profile.OutputName(),
			"--exist-ok",
		}
	}
	args = append(args, extra...)

	env := make([]string, 0, len(profile.Env))
	for k, v := range profile.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return Command{
		Profile:   profile.Name,
		Path:      interpreter,
		Args:      args,
		Dir:       profile.WorkDir,
		Env:       env,
		OutputDir: filepath.Join(outputDir, profile.OutputName()),
	}, nil
}

func absSource(src string) (string, error) {
	switch source.Classify(src) {
	case source.KindStream, source.KindCamera:
		return src, nil
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", errors.Wrapf(err, "resolve source %s", src)
	}
	return abs, nil
}

// Script returns the script argument resolved against the working directory.
func (c Command) Script() string {
	if len(c.Args) == 0 {
		return ""
	}
	script := c.Args[0]
	if c.Dir != "" && !filepath.IsAbs(script) {
		return filepath.Join(c.Dir, script)
	}
	return script
}

// CheckScript verifies the script exists on disk.
func (c Command) CheckScript() error {
	script := c.Script()
	if script == "" {
		return errors.Wrap(ErrScriptNotFound, "empty command")
	}
	info, err := os.Stat(script)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrScriptNotFound, script)
		}
		return errors.Wrapf(err, "stat %s", script)
	}
	if info.IsDir() {
		return errors.Wrapf(ErrScriptNotFound, "%s is a directory", script)
	}
	return nil
}

// String renders the command line with shell quoting for logs and dry runs.
func (c Command) String() string {
	return shellescape.QuoteCommand(append([]string{c.Path}, c.Args...))
}
