package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	fileaudit "github.com/mattkeenan/fileaudit/pkg"
	"github.com/spf13/cobra"
)

var runOpts struct {
	configPath   string
	logPath      string
	overrides    []string
	writeInclude []string
	readInclude  []string
	scriptInc    []string
	exclude      []string
	hashChunks   int
	metricsFile  string
	jsonResult   bool
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command and record its file accesses",
	Long: `Run a command as an observed process tree. Every close of a regular file by the
command or its descendants is filtered and, if retained, appended to the session log.

Examples:
  faudit run --write /home/me/project -- make
  faudit run --read /etc --script /home/me/bin -o hash.max_chunks:8 -- ./deploy.sh`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	flags := runCmd.Flags()
	flags.SetInterspersed(false)
	flags.StringVarP(&runOpts.configPath, "config", "c", fileaudit.DefaultConfigPath(), "Configuration file")
	flags.StringVarP(&runOpts.logPath, "log", "l", "", "Log file (default: a new file in the temp directory)")
	flags.StringArrayVarP(&runOpts.overrides, "set", "o", nil, "Override a config value (section.key:value)")
	flags.StringSliceVar(&runOpts.writeInclude, "write", nil, "Record files written below these directories")
	flags.StringSliceVar(&runOpts.readInclude, "read", nil, "Record files read below these directories")
	flags.StringSliceVar(&runOpts.scriptInc, "script", nil, "Capture content of files read below these directories")
	flags.StringSliceVar(&runOpts.exclude, "exclude", nil, "Exclude these directories on every channel")
	flags.IntVar(&runOpts.hashChunks, "hash-chunks", -1, "Number of sampled hash chunks (0 disables hashing)")
	flags.StringVar(&runOpts.metricsFile, "metrics-file", "", "Write pipeline metrics in text format to this file on exit")
	flags.BoolVar(&runOpts.jsonResult, "json", false, "Print the session result as JSON")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := fileaudit.LoadConfig(runOpts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyOverrides(runOpts.overrides); err != nil {
		return err
	}

	verbose := cfg.GetVerboseConfig()
	if verboseCount == 0 && verbose.Level > 0 {
		fileaudit.SetVerboseLevel(verbose.Level)
	}
	if debugFlags == "" && verbose.Debug != "" {
		fileaudit.SetDebugFlags(verbose.Debug)
	}

	opts, err := cfg.SessionOptions()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	applyChannelFlags(&opts)
	if runOpts.hashChunks >= 0 {
		opts.HashMaxChunks = runOpts.hashChunks
	}
	opts.LogPath = runOpts.logPath

	ctx, cancel := setupSignalContext(context.Background())
	defer cancel()

	result, err := fileaudit.Observe(ctx, fileaudit.ObserveOptions{Session: opts}, args)

	if runOpts.metricsFile != "" {
		if merr := fileaudit.WriteMetricsFile(runOpts.metricsFile); merr != nil {
			fileaudit.Logger().Warn().Err(merr).Str("path", runOpts.metricsFile).Msg("failed to write metrics")
		}
	}
	if result.SessionID == "" {
		return err
	}

	printResult(result)
	if err != nil {
		return err
	}
	if result.ExitCode != fileaudit.ExitCodeUnavailable && result.ExitCode != 0 {
		os.Exit(int(result.ExitCode))
	}
	return nil
}

// applyChannelFlags enables the channels named on the command line
func applyChannelFlags(opts *fileaudit.SessionOptions) {
	if len(runOpts.writeInclude) > 0 {
		opts.Write.Enabled = true
		opts.Write.Include = append(opts.Write.Include, runOpts.writeInclude...)
	}
	if len(runOpts.readInclude) > 0 {
		opts.Read.Enabled = true
		opts.Read.Include = append(opts.Read.Include, runOpts.readInclude...)
	}
	if len(runOpts.scriptInc) > 0 {
		opts.Script.Enabled = true
		opts.Script.Include = append(opts.Script.Include, runOpts.scriptInc...)
	}
	if len(runOpts.exclude) > 0 {
		opts.Write.Exclude = append(opts.Write.Exclude, runOpts.exclude...)
		opts.Read.Exclude = append(opts.Read.Exclude, runOpts.exclude...)
		opts.Script.Exclude = append(opts.Script.Exclude, runOpts.exclude...)
	}
}

// resultJSON is the printed form of a session result
type resultJSON struct {
	Session     string                    `json:"session"`
	Log         string                    `json:"log"`
	Status      int32                     `json:"status"`
	Error       string                    `json:"error,omitempty"`
	ExitCode    *int32                    `json:"exit_code,omitempty"`
	Write       fileaudit.ChannelCounters `json:"write"`
	Read        fileaudit.ChannelCounters `json:"read"`
	Script      fileaudit.ChannelCounters `json:"script"`
	LostEvents  uint64                    `json:"lost_events"`
	StoredFiles uint64                    `json:"stored_files"`
	Records     uint64                    `json:"records"`
	DurationMS  int64                     `json:"duration_ms"`
}

func printResult(r fileaudit.Result) {
	if runOpts.jsonResult {
		out := resultJSON{
			Session:     r.SessionID,
			Log:         r.LogPath,
			Status:      r.Status,
			Write:       r.Write,
			Read:        r.Read,
			Script:      r.Script,
			LostEvents:  r.LostEvents,
			StoredFiles: r.StoredFiles,
			Records:     r.Records,
			DurationMS:  r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			out.Error = r.Err.Error()
		}
		if r.ExitCode != fileaudit.ExitCodeUnavailable {
			code := r.ExitCode
			out.ExitCode = &code
		}
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}

	fmt.Fprintf(os.Stderr, "faudit: session %s, log %s\n", r.SessionID, r.LogPath)
	fmt.Fprintf(os.Stderr, "  written: %s logged, %d over limit, %d out of scope\n",
		humanize.Comma(int64(r.Write.Logged)), r.Write.DroppedByLimit, r.Write.OutOfScope)
	fmt.Fprintf(os.Stderr, "  read:    %s logged, %d over limit, %d out of scope\n",
		humanize.Comma(int64(r.Read.Logged)), r.Read.DroppedByLimit, r.Read.OutOfScope)
	fmt.Fprintf(os.Stderr, "  stored:  %d files\n", r.StoredFiles)
	if r.LostEvents > 0 {
		fmt.Fprintf(os.Stderr, "  lost:    %d events (queue full)\n", r.LostEvents)
	}
	if r.Status != fileaudit.StatusOK {
		fmt.Fprintf(os.Stderr, "  status:  write failure: %v\n", r.Err)
	}
}
