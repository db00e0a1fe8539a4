package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	fileaudit "github.com/mattkeenan/fileaudit/pkg"
	"github.com/spf13/cobra"
)

var dumpOpts struct {
	json    bool
	content bool
}

var dumpCmd = &cobra.Command{
	Use:   "dump <log>",
	Short: "Print every record of a session log",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

var summaryCmd = &cobra.Command{
	Use:   "summary <log>",
	Short: "Print one line per path with its access counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpOpts.json, "json", false, "Print records as JSON lines")
	dumpCmd.Flags().BoolVar(&dumpOpts.content, "content", false, "Include captured file content")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(summaryCmd)
}

// recordJSON is the JSON line form of one log record
type recordJSON struct {
	Path     string `json:"path"`
	Channel  string `json:"channel"`
	Mode     string `json:"mode"`
	Size     uint64 `json:"size"`
	MTime    int64  `json:"mtime"`
	Perm     string `json:"perm"`
	Hash     string `json:"hash,omitempty"`
	Captured uint64 `json:"captured,omitempty"`
	Content  string `json:"content,omitempty"`
}

func runDump(cmd *cobra.Command, args []string) error {
	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)

	reader := fileaudit.NewLogReader(file)
	reader.SkipContent = !dumpOpts.content
	return reader.ForEach(func(e *fileaudit.LogEntry) bool {
		hash := ""
		if !e.Header.HashIsNull {
			hash = fmt.Sprintf("%016x", e.Header.Hash)
		}

		if dumpOpts.json {
			enc.Encode(recordJSON{
				Path:     e.Path,
				Channel:  fileaudit.ChannelName(e.Channel),
				Mode:     e.Mode().String(),
				Size:     e.Header.Size,
				MTime:    int64(e.Header.MTime),
				Perm:     fmt.Sprintf("%04o", e.Header.Mode),
				Hash:     hash,
				Captured: e.Header.ContentByteCount,
				Content:  string(e.Content),
			})
			return true
		}

		if hash == "" {
			hash = "-"
		}
		fmt.Fprintf(out, "%-2s %04o %8s %s %s %s\n",
			e.Mode(), e.Header.Mode, humanize.IBytes(e.Header.Size),
			time.Unix(int64(e.Header.MTime), 0).Format(time.RFC3339), hash, e.Path)
		if dumpOpts.content && len(e.Content) > 0 {
			out.Write(e.Content)
			if e.Content[len(e.Content)-1] != '\n' {
				out.WriteByte('\n')
			}
		}
		return true
	})
}

func runSummary(cmd *cobra.Command, args []string) error {
	summary, err := fileaudit.SummariseLogFile(args[0])
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	fmt.Fprintf(out, "%6s %6s %6s %9s  %s\n", "WRITES", "READS", "STORED", "SIZE", "PATH")
	summary.ForEach(func(ps *fileaudit.PathSummary, first string) bool {
		fmt.Fprintf(out, "%6d %6d %6d %9s  %s\n",
			ps.Writes, ps.Reads, ps.Stored, humanize.IBytes(ps.LastSize), ps.Path)
		return true
	})
	fmt.Fprintf(out, "%d paths, %d records\n", summary.Len(), summary.Records())
	return nil
}
