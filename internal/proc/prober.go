package proc

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Prober answers whether a PID still refers to a live worker process. It is
// an interface so the reconciliation logic in the job manager can be tested
// against a fake process table instead of the host's.
type Prober interface {
	Alive(pid int) bool
}

// ProcProber is the production Prober. It combines a signal-0 existence
// probe with /proc inspection: a zombie entry is reaped and reported dead,
// and when the command line is readable it must mention the worker marker,
// which guards against the PID having been recycled by an unrelated program.
type ProcProber struct {
	// Marker is a substring expected in the worker's command line,
	// typically the worker binary name.
	Marker string
}

// Alive reports whether pid refers to a running worker process.
func (p ProcProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		reap(pid)
		return false
	}

	if state, ok := readProcState(pid); ok && state == "Z" {
		reap(pid)
		return false
	}

	if p.Marker != "" {
		if cmdline, ok := readProcCmdline(pid); ok {
			return strings.Contains(cmdline, p.Marker)
		}
	}
	// Process exists but cannot be inspected further; assume it is ours.
	return true
}

// reap collects a defunct child so it does not linger in the process table.
// Detached workers remain children of this process until reaped.
func reap(pid int) {
	var status syscall.WaitStatus
	_, _ = syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
}

// readProcState returns the single-letter state field from /proc/<pid>/stat.
func readProcState(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", false
	}
	// The comm field is parenthesized and may contain spaces; the state
	// letter follows the closing paren.
	s := string(data)
	i := strings.LastIndex(s, ")")
	if i < 0 || i+2 >= len(s) {
		return "", false
	}
	fields := strings.Fields(s[i+1:])
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// readProcCmdline returns the NUL-joined command line of pid.
func readProcCmdline(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return strings.ReplaceAll(string(data), "\x00", " "), true
}
