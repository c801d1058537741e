package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ChildCommand is the hidden CLI command the runner re-executes itself with.
const ChildCommand = "sandbox-exec"

// SetupExitCode is the child's exit code when sandbox setup fails before
// the interpreter runs. It lets the parent tell a worker fault apart from
// the user's program exiting non-zero.
const SetupExitCode = 97

// childSpec is the JSON contract between the parent runner and the re-exec'd
// child: what to run, where, and under which limits.
type childSpec struct {
	Interpreter string   `json:"interpreter"`
	Args        []string `json:"args"`
	Dir         string   `json:"dir,omitempty"`
	Limits      Limits   `json:"limits"`
}

// ChildMain is the entry point of the re-exec'd child. It installs the
// resource limits on itself, changes into the working directory, and
// replaces the process image with the interpreter. On success it never
// returns. stdin/stdout/stderr are inherited from the parent.
func ChildMain(specJSON string) error {
	var spec childSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return fmt.Errorf("invalid sandbox spec: %w", err)
	}

	if err := applyLimits(spec.Limits); err != nil {
		return err
	}

	if spec.Dir != "" {
		if err := os.Chdir(spec.Dir); err != nil {
			return fmt.Errorf("chdir to workspace: %w", err)
		}
	}

	path, err := exec.LookPath(spec.Interpreter)
	if err != nil {
		return fmt.Errorf("interpreter %q not found: %w", spec.Interpreter, err)
	}

	argv := append([]string{spec.Interpreter}, spec.Args...)
	return unix.Exec(path, argv, os.Environ())
}

// applyLimits installs the hard rlimits. Both soft and hard caps are set to
// the same value so user code cannot raise them back.
func applyLimits(l Limits) error {
	set := func(resource int, value uint64, name string) error {
		lim := &unix.Rlimit{Cur: value, Max: value}
		if err := unix.Setrlimit(resource, lim); err != nil {
			return fmt.Errorf("setrlimit %s: %w", name, err)
		}
		return nil
	}

	if err := set(unix.RLIMIT_CPU, l.CPUTimeSec, "RLIMIT_CPU"); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_AS, l.MemoryMB*1024*1024, "RLIMIT_AS"); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_NPROC, l.MaxProcesses, "RLIMIT_NPROC"); err != nil {
		return err
	}
	return set(unix.RLIMIT_FSIZE, l.MaxFileSizeMB*1024*1024, "RLIMIT_FSIZE")
}
