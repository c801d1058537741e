// Package sandbox runs untrusted user programs in a resource-limited child
// process.
//
// The runner re-executes the worker binary with a hidden child command
// (ChildCommand). The child installs hard kernel resource limits on itself
// and then replaces its image with the interpreter via exec, so the limits
// are in place after fork and before the interpreter loads, and the parent
// process is never affected. The parent enforces a wall-clock deadline
// independently of the child's CPU limit and kills the whole process group
// on expiry.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hexbase/runnerd/pkg/types"
)

// Kind selects what the runner executes.
type Kind int

const (
	// KindCode runs inline source text (interpreter -c <code>).
	KindCode Kind = iota
	// KindScript runs a script file inside a working directory.
	KindScript
)

// Limits are the hard kernel limits installed in the child before exec.
type Limits struct {
	CPUTimeSec    uint64 `json:"cpu_time_sec"`
	MemoryMB      uint64 `json:"memory_mb"`
	MaxProcesses  uint64 `json:"max_processes"`
	MaxFileSizeMB uint64 `json:"max_file_size_mb"`
}

// DefaultLimits returns the production limits: 5 s CPU, 256 MB address
// space, no fork/exec from user code, 10 MB max file size.
func DefaultLimits() Limits {
	return Limits{
		CPUTimeSec:    5,
		MemoryMB:      256,
		MaxProcesses:  1,
		MaxFileSizeMB: 10,
	}
}

// Request describes one execution.
type Request struct {
	Kind       Kind
	Code       string // inline source, KindCode only
	ScriptPath string // entrypoint path relative to Dir, KindScript only
	Dir        string // working directory, KindScript only
	Input      string // piped to the child's stdin as a single string
	Timeout    time.Duration
}

// Runner executes requests. It is re-entrant across goroutines as long as
// concurrent requests use distinct working directories.
type Runner struct {
	interpreter string
	limits      Limits
}

// NewRunner returns a Runner that invokes the given interpreter binary.
func NewRunner(interpreter string, limits Limits) *Runner {
	return &Runner{interpreter: interpreter, limits: limits}
}

// Run executes the request and classifies the termination. It never returns
// an error: spawn and setup failures are folded into an internal outcome
// with a sanitized diagnostic.
func (r *Runner) Run(ctx context.Context, req Request) types.Outcome {
	var args []string
	switch req.Kind {
	case KindCode:
		args = []string{"-c", req.Code}
	case KindScript:
		args = []string{req.ScriptPath}
	}

	spec := childSpec{
		Interpreter: r.interpreter,
		Args:        args,
		Dir:         req.Dir,
		Limits:      r.limits,
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return internalOutcome(err, "failed to encode sandbox spec")
	}

	self, err := os.Executable()
	if err != nil {
		return internalOutcome(err, "failed to locate worker binary")
	}

	cmd := exec.Command(self, ChildCommand, string(specJSON))
	cmd.Stdin = strings.NewReader(req.Input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// New process group so the deadline kill reaps the interpreter and
	// anything it managed to spawn.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return internalOutcome(err, "failed to start interpreter process")
	}
	pgid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	canceled := false

	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		killGroup(pgid)
		<-waitCh
	case <-ctx.Done():
		canceled = true
		killGroup(pgid)
		<-waitCh
	}

	switch {
	case timedOut:
		return types.Outcome{
			Stdout:         "",
			Stderr:         stderr.String(),
			ErrorDetail:    fmt.Sprintf("Execution timed out after %d seconds.", int(req.Timeout.Seconds())),
			Classification: types.ClassTimeout,
		}
	case canceled:
		return types.Outcome{
			Stderr:         stderr.String(),
			ErrorDetail:    "task deadline exceeded",
			Classification: types.ClassInternal,
		}
	case waitErr == nil:
		return types.Outcome{
			Stdout:         stdout.String(),
			Stderr:         stderr.String(),
			Classification: types.ClassOK,
		}
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return internalOutcome(waitErr, "interpreter process failed")
		}
		if exitErr.ExitCode() == SetupExitCode {
			return internalOutcome(fmt.Errorf("sandbox setup failed: %s", stderr.String()), "failed to start interpreter process")
		}
		// Non-zero exit is the user's program failing, not ours. Prefer
		// stderr for the diagnostic, fall back to stdout.
		detail := stderr.String()
		if detail == "" {
			detail = stdout.String()
		}
		return types.Outcome{
			Stdout:         stdout.String(),
			Stderr:         stderr.String(),
			ErrorDetail:    detail,
			Classification: types.ClassUserError,
		}
	}
}

func killGroup(pgid int) {
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.WithError(err).WithField("pgid", pgid).Warn("Failed to kill sandbox process group")
	}
}

// internalOutcome logs the real error and returns a sanitized outcome. Host
// paths and credentials must never reach the job record.
func internalOutcome(err error, msg string) types.Outcome {
	log.WithError(err).Error(msg)
	return types.Outcome{
		ErrorDetail:    "Internal worker error: " + msg,
		Classification: types.ClassInternal,
	}
}
