// Package daemon detaches the node from its controlling terminal once
// every startup bind in spec.md §4.E has already succeeded, by
// re-executing the same binary as a session leader with its stdio
// redirected. No pack repository carries a daemonize dependency to
// generalize, so this is the one ambient concern built directly on the
// standard library (see DESIGN.md).
package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/demfabris/gistit/internal/errs"
)

// reexecEnvVar marks the re-executed child so it does not detach
// again.
const reexecEnvVar = "GISTIT_DAEMON_CHILD"

// IsChild reports whether the current process is the detached child,
// i.e. whether Detach has already run in an ancestor.
func IsChild() bool {
	return os.Getenv(reexecEnvVar) == "1"
}

// Detach re-executes the current binary with the same arguments as a
// new session leader, with stdio redirected to /dev/null, and exits
// the parent with status 0. Callers must only invoke this after every
// startup bind has succeeded (spec.md §4.E): a failure before this
// point must propagate to the invoking CLI as a non-zero exit, which a
// re-exec would hide.
func Detach() error {
	exe, err := os.Executable()
	if err != nil {
		return errs.Config("daemon.executable", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errs.Config("daemon.devnull", err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return errs.Config("daemon.start", err)
	}

	os.Exit(0)
	return nil
}
