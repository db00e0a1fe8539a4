package main

import (
	"fmt"
	"os"
	"strings"

	fileaudit "github.com/mattkeenan/fileaudit/pkg"
	"github.com/spf13/cobra"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the faudit configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := fileaudit.InitConfig(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", cfg.Path())
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := fileaudit.LoadConfig(configPath)
		if err != nil {
			return err
		}
		showConfig(cfg)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		return nil
	},
}

func init() {
	configCmd.PersistentFlags().StringVarP(&configPath, "config", "c", fileaudit.DefaultConfigPath(), "Configuration file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func showConfig(cfg *fileaudit.Config) {
	all := cfg.GetAllConfig()
	list := func(items []string) string {
		if len(items) == 0 {
			return "-"
		}
		return strings.Join(items, ",")
	}

	fmt.Printf("# %s\n", cfg.Path())
	fmt.Printf("[hash]\n")
	fmt.Printf("  chunk_size      = %s\n", fileaudit.FormatSize(int64(all.Hash.ChunkSize)))
	fmt.Printf("  max_chunks      = %d\n", all.Hash.MaxChunks)
	for _, ch := range []struct {
		name string
		c    *fileaudit.ChannelSectionConfig
	}{{"write", all.Write}, {"read", all.Read}} {
		fmt.Printf("[%s]\n", ch.name)
		fmt.Printf("  enable          = %t\n", ch.c.Enable)
		fmt.Printf("  include         = %s\n", list(ch.c.Include))
		fmt.Printf("  exclude         = %s\n", list(ch.c.Exclude))
		fmt.Printf("  max_events      = %d\n", ch.c.MaxEvents)
		fmt.Printf("  exclude_hidden  = %t\n", ch.c.ExcludeHidden)
	}
	fmt.Printf("[script]\n")
	fmt.Printf("  enable          = %t\n", all.Script.Enable)
	fmt.Printf("  include         = %s\n", list(all.Script.Include))
	fmt.Printf("  exclude         = %s\n", list(all.Script.Exclude))
	fmt.Printf("  extensions      = %s\n", list(all.Script.Extensions))
	fmt.Printf("  max_count       = %d\n", all.Script.MaxCount)
	fmt.Printf("  max_size        = %s\n", all.Script.MaxSize)
	fmt.Printf("  exclude_hidden  = %t\n", all.Script.ExcludeHidden)
	fmt.Printf("[session]\n")
	fmt.Printf("  queue_capacity  = %d\n", all.Session.QueueCapacity)
	fmt.Printf("  cache_validity  = %s\n", all.Session.CacheValidity)
	fmt.Printf("  buffer_size     = %s\n", all.Session.BufferSize)
	fmt.Printf("  read_write_dual = %t\n", all.Session.ReadWriteDual)
	fmt.Printf("[verbose]\n")
	fmt.Printf("  level           = %d\n", all.Verbose.Level)
	fmt.Printf("  debug           = %s\n", all.Verbose.Debug)
}
