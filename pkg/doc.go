// Package fileaudit records the files a process tree reads and writes.
//
// Close events from an event source are routed to the Session observing the producing
// process, filtered against per-channel include and exclude directories, optionally
// fingerprinted with a partial hash and appended to a compact binary log.
//
// # Core API
//
// The simplest entry point runs a command and waits for its whole process tree:
//
//	opts := fileaudit.DefaultSessionOptions()
//	opts.Write = fileaudit.ChannelConfig{Enabled: true, Include: []string{"/home/me/src"}}
//	result, err := fileaudit.Observe(ctx, fileaudit.ObserveOptions{Session: opts}, []string{"make"})
//	fmt.Printf("%d files written\n", result.Write.Logged)
//
// The pieces can also be wired by hand:
//
//	sess, _ := fileaudit.NewSession(opts)
//	sess.Commit()
//	registry := fileaudit.NewRegistry()
//	registry.Insert(pid, sess, false)
//	go fileaudit.NewDispatcher(registry).Run(ctx, source)
//	sess.Release()
//	result := <-sess.Done()
//
// # Reading logs
//
//	entries, err := fileaudit.ReadLogFile(result.LogPath, true)
//	summary, err := fileaudit.SummariseLogFile(result.LogPath)
//
// # Configuration
//
// Settings live in an ini file, see LoadConfig and Config.SessionOptions. Debug output:
//
//	fileaudit.SetDebugFlags("queue,cache")
//	fileaudit.SetVerboseLevel(2)
//
// The package targets Linux: the default locator reads /proc and the default event source is
// fanotify.
package fileaudit
