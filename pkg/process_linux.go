package fileaudit

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// isProcessRunning checks if a process with the given PID is currently running
func isProcessRunning(pid int) bool {
	// kill(pid, 0) probes for existence without sending a signal
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	if errno, ok := err.(syscall.Errno); ok {
		if errno == unix.ESRCH {
			return false
		}
		// EPERM: the process exists but belongs to someone else
		if errno == unix.EPERM {
			return true
		}
	}
	return false
}

// parentPID reads the parent of pid from /proc/<pid>/stat
func parentPID(pid ProcessID) (ProcessID, error) {
	data, err := os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/stat")
	if err != nil {
		return 0, err
	}
	return parseStatPPID(data)
}

// parseStatPPID extracts the ppid field from the content of a /proc/<pid>/stat file.
// The command name may contain spaces and parentheses, so fields are counted after the last ')'.
func parseStatPPID(data []byte) (ProcessID, error) {
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat line")
	}
	fields := bytes.Fields(data[end+1:])
	// state ppid ...
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed stat line: %d fields after command", len(fields))
	}
	ppid, err := strconv.ParseUint(string(fields[1]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed ppid %q: %w", fields[1], err)
	}
	return ProcessID(ppid), nil
}

// pidNamespace returns the inode of the pid namespace of pid
func pidNamespace(pid ProcessID) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat("/proc/"+strconv.FormatUint(uint64(pid), 10)+"/ns/pid", &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// samePIDNamespace reports whether both processes live in one pid namespace. Unreadable
// namespaces count as different.
func samePIDNamespace(a, b ProcessID) bool {
	nsA, err := pidNamespace(a)
	if err != nil {
		return false
	}
	nsB, err := pidNamespace(b)
	if err != nil {
		return false
	}
	return nsA == nsB
}

// exitStatus converts the outcome of a waited command into the reported exit code.
// Death by signal is reported as 128+signal like a shell does.
func exitStatus(state *os.ProcessState) int32 {
	if state == nil {
		return ExitCodeUnavailable
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int32(128 + int(ws.Signal()))
	}
	return int32(state.ExitCode())
}

// commandExitStatus extracts the exit code from the error of exec.Cmd.Wait
func commandExitStatus(cmd *exec.Cmd, waitErr error) int32 {
	if cmd.ProcessState != nil {
		return exitStatus(cmd.ProcessState)
	}
	if waitErr != nil {
		return ExitCodeUnavailable
	}
	return 0
}

// setChildSubreaper makes orphaned descendants of this process reparent to it instead of init
func setChildSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to become child subreaper: %w", err)
	}
	return nil
}

// childPIDs lists the processes whose parent is parent
func childPIDs(parent ProcessID) ([]ProcessID, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var children []ProcessID
	for _, entry := range entries {
		pid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil || !entry.IsDir() {
			continue
		}
		// Processes exiting during the scan are skipped
		ppid, err := parentPID(ProcessID(pid))
		if err != nil || ppid != parent {
			continue
		}
		children = append(children, ProcessID(pid))
	}
	return children, nil
}

// reapChild collects the exit status of pid if it is an exited child of this process
func reapChild(pid ProcessID) (int32, bool) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(int(pid), &ws, unix.WNOHANG, nil)
	if err != nil || wpid != int(pid) {
		return 0, false
	}
	if ws.Signaled() {
		return int32(128 + int(ws.Signal())), true
	}
	return int32(ws.ExitStatus()), true
}
