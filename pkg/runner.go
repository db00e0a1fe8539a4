package fileaudit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// GateCommand is the hidden subcommand that holds a started command until it is registered
const GateCommand = "__gate"

// gateFd is the descriptor the gated child reads its release byte from
const gateFd = 3

// defaultExitGrace is how long close events of an exited process are still attributed to it
const defaultExitGrace = 100 * time.Millisecond

// ObserveOptions configures one observed command run
type ObserveOptions struct {
	Session SessionOptions

	// Source delivers close events; nil opens a fanotify source on the include roots
	Source EventSource

	// Gate is the command prefix that execs argv once released; nil re-executes the current
	// binary with GateCommand
	Gate []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	ReaperInterval time.Duration
	ExitGrace      time.Duration
}

// Observe runs argv as an observed process tree and returns the session result once the
// tree has exited, or after ctx is cancelled and the queued events are drained.
func Observe(ctx context.Context, opts ObserveOptions, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("no command given")
	}

	sess, err := NewSession(opts.Session)
	if err != nil {
		return Result{}, err
	}
	if err := sess.Commit(); err != nil {
		sess.Release()
		return Result{}, err
	}

	src := opts.Source
	if src == nil {
		src, err = NewFanotifySource(includeRoots(opts.Session))
		if err != nil {
			sess.Stop()
			sess.Release()
			return Result{}, err
		}
	}
	defer src.Close()

	if err := setChildSubreaper(); err != nil {
		Logger().Warn().Err(err).Msg("descendants outliving the command will not be observed")
	}

	registry := NewRegistry()
	orphans := NewOrphans(registry)
	dispatcher := NewDispatcher(registry)
	dispatcher.orphans = orphans
	reaper := NewReaper(registry, opts.ReaperInterval)
	reaper.orphans = orphans

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	group, groupCtx := errgroup.WithContext(pipelineCtx)
	group.Go(func() error {
		return dispatcher.Run(groupCtx, src)
	})
	group.Go(func() error {
		reaper.Run(groupCtx)
		return nil
	})

	cmd, release, err := startGated(opts, argv)
	if err != nil {
		sess.Stop()
		sess.Release()
		stopPipeline()
		group.Wait()
		return Result{}, err
	}

	pid := ProcessID(cmd.Process.Pid)
	sess.SetExitTarget(pid)
	if err := registry.Insert(pid, sess, false); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		sess.Stop()
		sess.Release()
		stopPipeline()
		group.Wait()
		return Result{}, err
	}
	VerboseLog(1, "observing pid %d (session %s)", pid, sess.ID())

	// From here on every child of ours is either the command or one of its orphans
	orphans.Claim(sess)

	if err := release(); err != nil {
		Logger().Warn().Err(err).Msg("failed to release gate")
	}

	stopKill := context.AfterFunc(ctx, func() {
		cmd.Process.Signal(unix.SIGTERM)
	})
	waitErr := cmd.Wait()
	stopKill()
	code := commandExitStatus(cmd, waitErr)
	sess.recordExit(pid, code)
	VerboseLog(1, "pid %d exited with %d", pid, code)

	// Children of the exited command are ours now; they keep the session open
	if n := orphans.Scan(); n > 0 {
		VerboseLog(1, "%d descendants of pid %d still running", n, pid)
	}

	grace := opts.ExitGrace
	if grace <= 0 {
		grace = defaultExitGrace
	}
	select {
	case <-time.After(grace):
	case <-ctx.Done():
	}
	registry.OnExit(pid, code)

	// The creator reference goes last; the registry entries of remaining descendants keep the
	// session committed until they exit, ctx ends or the event pipeline fails.
	sess.Release()

	var result Result
	select {
	case result = <-sess.Done():
	case <-ctx.Done():
		detachSession(registry, sess)
		sess.Stop()
		result = <-sess.Done()
	case <-groupCtx.Done():
		// Nothing is dispatched or reaped any more
		detachSession(registry, sess)
		sess.Stop()
		result = <-sess.Done()
	}

	stopPipeline()
	pipelineErr := group.Wait()

	dispatched, unobserved, adopted := dispatcher.Stats()
	debugLog("source").Uint64("dispatched", dispatched).Uint64("unobserved", unobserved).Uint64("adopted", adopted).Msg("pipeline stats")

	if pipelineErr != nil {
		Logger().Warn().Err(pipelineErr).Msg("event pipeline ended with error")
		return result, fmt.Errorf("event pipeline failed: %w", pipelineErr)
	}
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// detachSession removes every registry entry pointing at sess
func detachSession(registry *Registry, sess *Session) {
	var pids []ProcessID
	registry.Range(func(pid ProcessID, s *Session) bool {
		if s == sess {
			pids = append(pids, pid)
		}
		return true
	})
	for _, pid := range pids {
		registry.Remove(pid)
	}
}

// includeRoots collects the include paths of every enabled channel
func includeRoots(opts SessionOptions) []string {
	seen := make(map[string]struct{})
	var roots []string
	add := func(enabled bool, paths []string) {
		if !enabled {
			return
		}
		for _, p := range paths {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				roots = append(roots, p)
			}
		}
	}
	add(opts.Write.Enabled, opts.Write.Include)
	add(opts.Read.Enabled, opts.Read.Include)
	add(opts.Script.Enabled, opts.Script.Include)
	return roots
}

// startGated starts argv behind the gate and returns a function that lets it run
func startGated(opts ObserveOptions, argv []string) (*exec.Cmd, func() error, error) {
	gate := opts.Gate
	if len(gate) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to locate own executable: %w", err)
		}
		gate = []string{self, GateCommand}
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gate pipe: %w", err)
	}

	args := append(append(append([]string{}, gate[1:]...), "--"), argv...)
	cmd := exec.Command(gate[0], args...)
	cmd.ExtraFiles = []*os.File{reader}
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	reader.Close()

	release := func() error {
		defer writer.Close()
		_, err := writer.Write([]byte{1})
		return err
	}
	return cmd, release, nil
}

// RunGate blocks until the observer releases the gate and then replaces the current process
// with argv. It only returns on failure.
func RunGate(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command given")
	}

	gate := os.NewFile(gateFd, "gate")
	var b [1]byte
	_, err := io.ReadFull(gate, b[:])
	gate.Close()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("observer went away before releasing the gate")
		}
		return fmt.Errorf("failed to read gate: %w", err)
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return unix.Exec(path, argv, os.Environ())
}
